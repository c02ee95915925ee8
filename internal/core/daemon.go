// Package core wires the recorder service together and owns its lifecycle.
package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-recorder/internal/api"
	"github.com/e7canasta/orion-recorder/internal/colorprofile"
	"github.com/e7canasta/orion-recorder/internal/config"
	"github.com/e7canasta/orion-recorder/internal/control"
	"github.com/e7canasta/orion-recorder/internal/controls"
	"github.com/e7canasta/orion-recorder/internal/encoder"
	"github.com/e7canasta/orion-recorder/internal/gallery"
	"github.com/e7canasta/orion-recorder/internal/gstreamer"
	"github.com/e7canasta/orion-recorder/internal/recorder"
	"github.com/e7canasta/orion-recorder/internal/session"
	"github.com/e7canasta/orion-recorder/internal/v4l2"
)

// Daemon is the recorder service: one capture device, one recorder, and the
// remote control surfaces in front of it.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	session  *session.Controller
	recorder *recorder.Recorder
	preview  gstreamer.PreviewSurface
	db       *sql.DB

	dispatcher *control.Dispatcher
	broker     *control.MQTTBroker
	handler    *control.Handler
	publisher  *control.Publisher
	server     *api.Server

	// Lifecycle management
	started   time.Time
	mu        sync.Mutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc
	// controlStarted is set once the MQTT handler is subscribed.
	controlStarted bool
}

// NewDaemon builds every component from cfg. Nothing touches the device
// until Run.
func NewDaemon(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := gstreamer.CheckAvailable(); err != nil {
		return nil, err
	}
	accel, err := gstreamer.ParseAccel(cfg.Recording.Acceleration)
	if err != nil {
		return nil, err
	}

	catalog, err := colorprofile.NewCatalog()
	if err != nil {
		return nil, fmt.Errorf("failed to build color profiles: %w", err)
	}
	ctrl := controls.New(logger)

	camera := gstreamer.NewCamera(v4l2.NewRegistry(logger), gstreamer.CaptureConfig{
		Width:     cfg.Recording.Width,
		Height:    cfg.Recording.Height,
		FrameRate: cfg.Recording.FrameRate,
	}, logger)

	sess := session.New(camera, nil, ctrl, catalog.Default(), session.Config{
		CloseTimeout: cfg.SessionCloseTimeout(),
	}, logger)

	pipeline := encoder.New(gstreamer.NewEncoders(accel, logger), gstreamer.NewMuxers(logger), encoder.Config{
		PollTimeout:  cfg.PollTimeout(),
		DrainTimeout: cfg.DrainTimeout(),
	}, logger)

	db, err := gallery.OpenDB(cfg.Gallery.DBPath)
	if err != nil {
		return nil, err
	}
	store, err := gallery.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	var prober gallery.Prober
	if cfg.Gallery.Probe {
		prober = gallery.FFmpegProber{}
	}

	rec, err := recorder.New(sess, pipeline, ctrl, catalog, gallery.NewRegistrar(store, prober, logger), recorder.Config{
		DeviceID:  cfg.Device.ID,
		Width:     cfg.Recording.Width,
		Height:    cfg.Recording.Height,
		FrameRate: cfg.Recording.FrameRate,
		BitDepth:  cfg.Recording.BitDepth,
		OutputDir: cfg.Recording.OutputDir,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := rec.SelectColorProfile(cfg.Recording.ColorProfile); err != nil {
		db.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		session:  sess,
		recorder: rec,
		preview:  gstreamer.PreviewSurface{Sink: cfg.Device.PreviewSink},
		db:       db,
	}
	d.dispatcher = control.NewDispatcher(rec, d.preview, logger)
	d.dispatcher.OnShutdown = d.shutdownViaControl

	if cfg.MQTT.Broker != "" {
		topics := control.Topics{
			Control: cfg.MQTT.Topics.Control,
			Status:  cfg.MQTT.Topics.Status,
			Events:  cfg.MQTT.Topics.Events,
		}
		qos := control.QoS{
			Control: cfg.MQTT.QoS["control"],
			Status:  cfg.MQTT.QoS["status"],
			Events:  cfg.MQTT.QoS["events"],
		}
		d.broker = control.NewMQTTBroker(cfg.MQTT.Broker, cfg.InstanceID, logger)
		d.handler = control.NewHandler(d.broker, topics, qos, d.dispatcher, logger)
		d.publisher = control.NewPublisher(d.broker, topics, qos, rec, logger)
	}

	if cfg.HTTP.Addr != "" {
		d.server = api.NewServer(rec, d.dispatcher, store, logger)
	}

	logger.Info("recorder configured",
		"instance_id", cfg.InstanceID,
		"device", cfg.Device.ID,
		"format", fmt.Sprintf("%dx%d@%d", cfg.Recording.Width, cfg.Recording.Height, cfg.Recording.FrameRate),
		"bit_depth", cfg.Recording.BitDepth,
		"profile", rec.Profile().Name,
		"acceleration", accel.String(),
		"mqtt", cfg.MQTT.Broker != "",
		"http", cfg.HTTP.Addr,
	)
	return d, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// shutdown command arrives.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return errors.New("service is already running")
	}
	d.isRunning = true
	d.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	d.cancelCtx = cancel
	d.mu.Unlock()
	defer cancel()

	d.session.Start()
	if err := d.recorder.Start(); err != nil {
		return err
	}

	if d.broker != nil {
		if err := d.broker.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		if err := d.handler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		d.mu.Lock()
		d.controlStarted = true
		d.mu.Unlock()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.publisher.Run(ctx); err != nil {
				d.logger.Error("status publisher stopped", "error", err)
			}
		}()
	}

	if d.server != nil {
		if err := d.server.Start(d.cfg.HTTP.Addr); err != nil {
			return err
		}
	}

	// A camera that is still enumerating at boot is retried; giving up leaves
	// the service up so open_device can be sent later.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		retry := session.RetryConfig{
			MaxRetries:    d.cfg.Timeouts.OpenRetry.MaxRetries,
			RetryDelay:    time.Duration(d.cfg.Timeouts.OpenRetry.InitialDelayMs) * time.Millisecond,
			MaxRetryDelay: time.Duration(d.cfg.Timeouts.OpenRetry.MaxDelayMs) * time.Millisecond,
		}
		if _, err := session.OpenWithRetry(ctx, d.recorder, d.cfg.Device.ID, d.preview, retry, d.logger); err != nil && ctx.Err() == nil {
			d.logger.Error("device unavailable, waiting for open_device", "device", d.cfg.Device.ID, "error", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logStats(ctx, statsInterval)
	}()

	d.logger.Info("recorder service running", "instance_id", d.cfg.InstanceID)

	<-ctx.Done()
	d.logger.Info("recorder service run loop exiting")
	return nil
}

// shutdownViaControl is triggered by the shutdown command.
func (d *Daemon) shutdownViaControl() {
	d.logger.Info("shutdown requested via control plane")
	d.mu.Lock()
	cancel := d.cancelCtx
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown stops every component. An active recording is finalized first.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancelCtx
	controlStarted := d.controlStarted
	d.mu.Unlock()

	d.logger.Info("shutting down recorder service")
	var errs []error

	// 1. Stop accepting commands
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if controlStarted {
		if err := d.handler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	// 2. Finalize the recording while the session is still up
	if err := d.recorder.Stop(ctx); err != nil {
		d.logger.Error("failed to finalize recording", "error", err)
		errs = append(errs, err)
	}

	// 3. Close the device
	if err := d.session.Stop(); err != nil {
		errs = append(errs, err)
	}

	// 4. Wait for goroutines
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()

	// 5. Disconnect MQTT and close the gallery
	if d.broker != nil {
		d.broker.Disconnect()
	}
	if err := d.db.Close(); err != nil {
		errs = append(errs, err)
	}

	d.mu.Lock()
	uptime := time.Since(d.started)
	d.isRunning = false
	d.mu.Unlock()

	d.logger.Info("recorder service shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown budget.
func (d *Daemon) ShutdownTimeout() time.Duration {
	if t := d.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}
