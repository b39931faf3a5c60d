package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"voltronic-bridge/config"
	"voltronic-bridge/inverter"
	"voltronic-bridge/logs"
	"voltronic-bridge/mqtt"
	"voltronic-bridge/server"
)

var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "Path to config file")
	mqttHost := flag.String("mqtt-host", "", "MQTT broker host")
	mqttPort := flag.Int("mqtt-port", 0, "MQTT broker port")
	mqttUser := flag.String("user", "", "MQTT username")
	mqttPassword := flag.String("password", "", "MQTT password")
	baseTopic := flag.String("topic", "", "MQTT base topic")
	inverterPort := flag.Int("port", 0, "TCP port the inverter dongles dial")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(level)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override the config file.
	if *mqttHost != "" {
		cfg.MQTT.Host = *mqttHost
	}
	if *mqttPort != 0 {
		cfg.MQTT.Port = *mqttPort
	}
	if *mqttUser != "" {
		cfg.MQTT.Username = *mqttUser
	}
	if *mqttPassword != "" {
		cfg.MQTT.Password = *mqttPassword
	}
	if *baseTopic != "" {
		cfg.MQTT.BaseTopic = *baseTopic
	}
	if *inverterPort != 0 {
		cfg.Inverter.Port = *inverterPort
	}

	log.Infof("Starting Voltronic Bridge v%s", Version)
	log.Infof("  MQTT broker: %s:%d (topic base: %s)", cfg.MQTT.Host, cfg.MQTT.Port, cfg.MQTT.BaseTopic)
	log.Infof("  Inverter port: %d", cfg.Inverter.Port)
	log.Infof("  Status port: %d", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	bus := mqtt.New(mqtt.Options{
		Host:      cfg.MQTT.Host,
		Port:      cfg.MQTT.Port,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		BaseTopic: cfg.MQTT.BaseTopic,
		ClientID:  cfg.MQTT.ClientID,
	})
	if err := bus.Connect(); err != nil {
		log.Fatalf("MQTT connect failed: %v", err)
	}
	defer bus.Disconnect()

	var transcripts *logs.Writer
	var frameLog inverter.FrameLog
	if cfg.Logs.Path != "" {
		transcripts = logs.NewWriter(cfg.Logs.Path, cfg.Logs.RetentionDays)
		defer transcripts.Close()
		frameLog = transcripts

		// Transcript cleanup routine
		go func() {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					transcripts.Cleanup()
				}
			}
		}()
	}

	inverter.RegisterMetrics()
	manager := inverter.NewManager(cfg.Inverter.Port, bus, frameLog)

	srv := server.New(cfg.Server.Port, manager, Version)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Errorf("Status server error: %v", err)
		}
	}()

	if err := manager.Run(ctx); err != nil {
		log.Fatalf("Inverter server error: %v", err)
	}
}
