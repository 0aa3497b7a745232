package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	labx "github.com/coffersTech/labxstream/pkg/labxstream"
)

// procedure is the message flow a simulated UE attach walks through.
var procedure = []labx.ExpectedMessage{
	{StepID: "1", Layer: "RRC", Direction: "UL", MessageName: "RRCSetupRequest"},
	{StepID: "2", Layer: "RRC", Direction: "DL", MessageName: "RRCSetup"},
	{StepID: "3", Layer: "RRC", Direction: "UL", MessageName: "RRCSetupComplete"},
	{StepID: "4", Layer: "NAS", Direction: "UL", MessageName: "RegistrationRequest"},
	{StepID: "5", Layer: "NAS", Direction: "DL", MessageName: "AuthenticationRequest"},
	{StepID: "6", Layer: "NAS", Direction: "UL", MessageName: "AuthenticationResponse"},
	{StepID: "7", Layer: "PDCP", Direction: "DL", MessageName: "SecurityModeCommand"},
	{StepID: "8", Layer: "NAS", Direction: "DL", MessageName: "RegistrationAccept"},
}

func main() {
	server := flag.String("server", "http://localhost:8080", "labxstream server base URL")
	apiKey := flag.String("key", "", "Ingest key")
	testCase := flag.String("testcase", "TC_ATTACH_001", "Test case id")
	rounds := flag.Int("rounds", 3, "Times to repeat the procedure")
	interval := flag.Duration("interval", 200*time.Millisecond, "Delay between messages")
	fail := flag.Bool("fail", false, "Report the execution as failed")
	flag.Parse()

	client := labx.New(labx.Options{ServerURL: *server, APIKey: *apiKey, Source: "labxsim"})
	defer client.Shutdown()

	ctx := context.Background()
	info, err := client.StartExecution(ctx, labx.Execution{
		TestCaseID:       *testCase,
		TestCaseData:     map[string]any{"name": "UE initial attach", "rounds": *rounds},
		ExpectedMessages: procedure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "labxsim: start execution: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("execution %s started\n", info.ExecutionID)

	logger := slog.New(labx.NewHandler(client, slog.LevelDebug)).
		With("executionId", info.ExecutionID, "testCaseId", *testCase, "protocol", "5G_NR")

	for round := 0; round < *rounds; round++ {
		for _, m := range procedure {
			client.Log(labx.Entry{
				Level:       "info",
				Message:     m.MessageName,
				Layer:       m.Layer,
				Direction:   m.Direction,
				StepID:      m.StepID,
				ExecutionID: info.ExecutionID,
				TestCaseID:  *testCase,
				Data:        map[string]any{"round": round},
				InformationElements: []labx.IE{
					{Name: "ue-Identity", Value: fmt.Sprintf("0x%08x", rand.Uint32())},
				},
			})
			logger.Debug("PDSCH decode", "layer", "PHY", slog.Group("phy", "snr", 10+rand.Intn(20), "mcs", rand.Intn(28)))
			time.Sleep(*interval)
		}
		logger.Info("round finished", "round", round)
	}

	status, errMsg := "completed", ""
	if *fail {
		status, errMsg = "failed", "simulated failure"
		logger.Error("registration rejected", "layer", "NAS", "cause", "5GMM #3")
	}
	info, err = client.Complete(ctx, info.ExecutionID, status, errMsg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labxsim: complete: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("execution %s %s: %d messages, %.0f%%\n", info.ExecutionID, info.Status, info.ActualMessages, info.Progress)
}
