package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"homewatch/buffer"
	"homewatch/config"
	"homewatch/models"
	"homewatch/services"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	interval  = flag.Duration("interval", 5*time.Second, "Time between readings of one sensor")
	rooms     = flag.String("rooms", "living room,kitchen,garage,basement", "Comma separated rooms to simulate")
	spikeProb = flag.Float64("spike", 0.02, "Probability of an out-of-range spike per reading (0.0-1.0)")
	transport = flag.String("transport", "", "Transport override: mqtt, amqp or kafka")
	battery   = flag.Bool("battery", false, "Also simulate battery sensors")
)

// publisher is what the fleet needs from a transport plus a way to close it
type publisher interface {
	buffer.Publisher
	Close() error
}

func main() {
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if *transport != "" {
		cfg.Transport = strings.ToLower(*transport)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub, onStatus, err := openTransport(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open transport", zap.String("transport", cfg.Transport), zap.Error(err))
	}
	defer pub.Close()

	fleet := buffer.NewFleet(pub, buffer.Options{
		Capacity:       cfg.BufferCapacity,
		PublishTimeout: cfg.PublishTimeout,
		Logger:         logger,
	})
	if onStatus != nil {
		// broker connection changes flip every endpoint at once
		onStatus(func(online bool) {
			n := fleet.SetOnlineStatus(ctx, online)
			logger.Info("Transport status changed", zap.Bool("online", online), zap.Int("forwarded", n))
		})
	}

	types := []models.SensorType{models.SensorTemperature, models.SensorHumidity, models.SensorCO}
	if *battery {
		types = append(types, models.SensorBattery)
	}
	var generators []*Generator
	seed := time.Now().UnixNano()
	for _, room := range strings.Split(*rooms, ",") {
		room = strings.TrimSpace(room)
		if room == "" {
			continue
		}
		for _, st := range types {
			seed++
			g := NewGenerator(room, st, *spikeProb, seed)
			fleet.Register(g.SensorID, g.Room, g.SensorType)
			generators = append(generators, g)
		}
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.ProbeSchedule, func() {
		if n := fleet.ProbeOffline(ctx); n > 0 {
			logger.Info("Offline probe forwarded readings", zap.Int("forwarded", n))
		}
	}); err != nil {
		logger.Fatal("Invalid probe schedule", zap.String("schedule", cfg.ProbeSchedule), zap.Error(err))
	}
	scheduler.Start()

	logger.Info("Sensor simulator started",
		zap.String("transport", cfg.Transport),
		zap.Int("sensors", len(generators)),
		zap.Duration("interval", *interval),
		zap.Float64("spike_probability", *spikeProb))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(60 * time.Second)
	defer statsTicker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			<-scheduler.Stop().Done()
			flushCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
			n := fleet.FlushAll(flushCtx)
			cancel()
			logger.Info("Simulator stopped", zap.Int("readings", sent), zap.Int("flushed", n))
			return

		case now := <-ticker.C:
			for _, g := range generators {
				r := g.Next(now)
				if err := fleet.Enqueue(ctx, r); err != nil {
					logger.Error("Failed to enqueue reading", zap.String("sensor_id", r.SensorID), zap.Error(err))
					continue
				}
				sent++
			}

		case <-statsTicker.C:
			buffered, offline := 0, 0
			for _, st := range fleet.Statuses() {
				buffered += st.BufferedReadings
				if !st.IsOnline {
					offline++
				}
			}
			logger.Info("Statistics",
				zap.Int("readings", sent),
				zap.Int("buffered", buffered),
				zap.Int("offline_sensors", offline))
		}
	}
}

// openTransport connects the configured transport. The returned registrar is
// nil for transports without connection callbacks.
func openTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (publisher, func(func(bool)), error) {
	switch cfg.Transport {
	case config.TransportMQTT:
		s := services.NewMQTTService(services.MQTTOptions{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID + "-simulator",
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      byte(cfg.MQTTQoS),
		}, logger)
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.Connect(connectCtx); err != nil {
			return nil, nil, err
		}
		return s, s.OnStatusChange, nil
	case config.TransportAMQP:
		s, err := services.NewRabbitMQService(services.RabbitMQOptions{
			URL:      cfg.RabbitMQURL,
			Queue:    cfg.RabbitMQQueue,
			Exchange: cfg.RabbitMQExchange,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.OnStatusChange, nil
	case config.TransportKafka:
		return services.NewKafkaTransport(cfg.KafkaBrokers, cfg.KafkaTopic, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
