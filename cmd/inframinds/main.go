package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/inframinds/agentcore/internal/api"
	"github.com/inframinds/agentcore/internal/config"
	"github.com/inframinds/agentcore/internal/mqtt"
	"github.com/inframinds/agentcore/internal/oracle"
	"github.com/inframinds/agentcore/internal/pipeline"
	"github.com/inframinds/agentcore/internal/session"
	"github.com/inframinds/agentcore/internal/storage/postgres"
)

func configPath() string {
	if p := os.Getenv("ENGINE_CONFIG"); p != "" {
		return p
	}
	return "engine.yaml"
}

func main() {
	cfg, err := config.LoadEngineConfig(configPath())
	if err != nil {
		log.Fatalf("failed to load engine.yaml: %v", err)
	}

	apiKey, err := config.ResolveSecret("OPENAI_API_KEY")
	if err != nil && cfg.Oracle.BaseURL == "" {
		log.Fatalf("OPENAI_API_KEY not set and no oracle base_url configured: %v", err)
	}

	client, err := oracle.NewOpenAIClient(oracle.OpenAIOptions{
		APIKey:  apiKey,
		BaseURL: cfg.Oracle.BaseURL,
		Model:   cfg.Oracle.Model,
	})
	if err != nil {
		log.Fatalf("failed to build oracle client: %v", err)
	}

	var runner pipeline.Runner
	if cfg.Engine.Simulation {
		log.Printf("simulation enabled, pipeline commands will not touch the emulator")
		runner = pipeline.NewSimRunner(nil)
	} else {
		exec := pipeline.NewExecRunner()
		if t := cfg.StageTimeout(); t > 0 {
			exec.Timeout = t
		}
		runner = exec
	}

	// Audit storage and the MQTT mirror are optional. The engine keeps
	// full in-memory event history without either.
	db, err := postgres.New()
	if err != nil {
		log.Printf("audit storage unavailable, continuing without persistence: %v", err)
		db = nil
	}

	var broker *mqtt.Client
	mq := mqtt.NewClient("inframinds-engine")
	if err := mq.Connect(); err != nil {
		log.Printf("mqtt broker unavailable, continuing without event mirror: %v", err)
	} else {
		broker = mq
	}

	manager := session.NewManager(session.Options{
		Oracle:        client,
		Runner:        runner,
		ExecutionMode: cfg.ExecutionMode(),
		Workdir:       cfg.Workdir(),
		Audit:         db,
		Broker:        broker,
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("received %s, shutting down", sig)
		manager.Shutdown()
		if db != nil {
			db.Close()
		}
		if broker != nil {
			broker.Disconnect()
		}
		os.Exit(0)
	}()

	log.Printf("engine %q starting in %s mode", cfg.Engine.Name, cfg.ExecutionMode())
	if err := api.NewServer(manager).ListenAndServe(cfg.APIPort()); err != nil {
		log.Fatalf("api server failed: %v", err)
	}
}
