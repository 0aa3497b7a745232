package normalize

import (
	"strconv"

	"github.com/valyala/fastjson"

	"github.com/coffersTech/labxstream/internal/model"
)

// toAny converts a parsed value into plain Go values, the same shapes
// encoding/json produces.
func toAny(v *fastjson.Value) any {
	if v == nil {
		return nil
	}
	switch v.Type() {
	case fastjson.TypeObject:
		return toMap(v)
	case fastjson.TypeArray:
		items := v.GetArray()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = toAny(item)
		}
		return out
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	default:
		return nil
	}
}

func toMap(v *fastjson.Value) map[string]any {
	obj, err := v.Object()
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any, obj.Len())
	obj.Visit(func(key []byte, val *fastjson.Value) {
		out[string(key)] = toAny(val)
	})
	return out
}

// present treats JSON null as absent.
func present(v *fastjson.Value) bool {
	return v != nil && v.Type() != fastjson.TypeNull
}

// first returns the first present value among keys of v.
func first(v *fastjson.Value, keys ...string) *fastjson.Value {
	if v == nil {
		return nil
	}
	for _, k := range keys {
		if f := v.Get(k); present(f) {
			return f
		}
	}
	return nil
}

// text renders strings verbatim and every other value as compact JSON.
func text(v *fastjson.Value) string {
	if !present(v) {
		return ""
	}
	if v.Type() == fastjson.TypeString {
		return string(v.GetStringBytes())
	}
	return v.String()
}

// informationElements accepts either a list of {name, value} objects or an
// object keyed by IE name. Object keys keep document order.
func informationElements(v *fastjson.Value) []model.InformationElement {
	if !present(v) {
		return nil
	}
	switch v.Type() {
	case fastjson.TypeArray:
		items := v.GetArray()
		out := make([]model.InformationElement, 0, len(items))
		for i, item := range items {
			if item.Type() != fastjson.TypeObject {
				out = append(out, model.InformationElement{Name: strconv.Itoa(i), Value: toAny(item)})
				continue
			}
			name := text(first(item, "name", "ie", "key"))
			if name == "" {
				name = strconv.Itoa(i)
			}
			out = append(out, model.InformationElement{Name: name, Value: toAny(item.Get("value"))})
		}
		return out
	case fastjson.TypeObject:
		obj, _ := v.Object()
		out := make([]model.InformationElement, 0, obj.Len())
		obj.Visit(func(key []byte, val *fastjson.Value) {
			out = append(out, model.InformationElement{Name: string(key), Value: toAny(val)})
		})
		return out
	default:
		return nil
	}
}
