// Command processing is the worker host: it polls the recording service for
// post-upload processing jobs (thermal and IR video, audio, trail camera
// images), runs the classifier subprocesses, fuses their predictions into
// tags, and reports results back.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cacophony-monitoring/processing/internal/adapter/api"
	"github.com/cacophony-monitoring/processing/internal/adapter/runner"
	"github.com/cacophony-monitoring/processing/internal/config"
	"github.com/cacophony-monitoring/processing/internal/dispatch"
	"github.com/cacophony-monitoring/processing/internal/domain"
	"github.com/cacophony-monitoring/processing/internal/observability"
	"github.com/cacophony-monitoring/processing/internal/pipeline"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		user       string
		password   string
		apiTarget  string
	)
	cmd := &cobra.Command{
		Use:           "processing",
		Short:         "Post-upload processing worker host for wildlife recordings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile, user, password, apiTarget)
		},
	}
	cmd.Flags().StringVar(&configFile, "config-file", "processing.yaml", "path to the YAML config file")
	cmd.Flags().StringVar(&user, "user", "", "service account user (overrides config)")
	cmd.Flags().StringVar(&password, "password", "", "service account password (overrides config)")
	cmd.Flags().StringVar(&apiTarget, "api", "", "recording service: prod, test, ir, or a URL (overrides config)")
	return cmd
}

func run(ctx context.Context, configFile, user, password, apiTarget string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if user != "" {
		cfg.APIUser = user
	}
	if password != "" {
		cfg.APIPassword = password
	}
	if apiTarget != "" {
		cfg.APIURL = config.ResolveAPI(apiTarget)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()
	go observability.ServeMetrics(cfg.MetricsAddr)

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return err
	}
	if shutdownTracing != nil {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	newAPI := func() (domain.API, error) {
		return api.New(cfg.APIURL, cfg.APIUser, cfg.APIPassword), nil
	}
	cmdRunner := runner.New(cfg.SubprocessTimeout())
	clock := domain.RealClock{}

	thermal := pipeline.NewThermal(&cfg, newAPI, cmdRunner)
	audio := pipeline.NewAudio(&cfg, newAPI, cmdRunner)
	trailcam := pipeline.NewTrailcam(&cfg, newAPI, cmdRunner)

	pollAPI := func() domain.API {
		a, _ := newAPI()
		return a
	}

	trackingStates := []string{domain.StateTracking}
	if cfg.Thermal.DoRetrack {
		trackingStates = append(trackingStates, domain.StateRetrack)
	}
	analyseStates := []string{domain.StateAnalyse, domain.StateReprocess}

	d := dispatch.NewDispatcher(&cfg, clock)
	proc := func(name, recordingType string, states []string, handler pipeline.Handler, workers int) *dispatch.Processor {
		return dispatch.NewProcessor(name, recordingType, states, handler, workers, pollAPI(), clock, cfg.NoJobSleep())
	}

	thermalTracking := proc("thermal.tracking", domain.TypeThermalRaw, trackingStates, thermal.Track, cfg.Thermal.TrackingWorkers)
	d.Add(thermalTracking, nil)
	d.Add(proc("thermal.analyse", domain.TypeThermalRaw, analyseStates, thermal.Classify, cfg.Thermal.AnalyseWorkers), thermalTracking)

	irTracking := proc("ir.tracking", domain.TypeIRRaw, trackingStates, thermal.Track, cfg.IR.TrackingWorkers)
	d.Add(irTracking, nil)
	d.Add(proc("ir.analyse", domain.TypeIRRaw, analyseStates, thermal.Classify, cfg.IR.AnalyseWorkers), irTracking)

	audioConvert := proc("audio.convert", domain.TypeAudio, []string{domain.StateToMP3}, audio.Convert, cfg.Audio.ConvertWorkers)
	d.Add(audioConvert, nil)
	d.Add(proc("audio.analysis", domain.TypeAudio, analyseStates, audio.Process, cfg.Audio.AnalysisWorkers), audioConvert)
	d.Add(proc("audio.retrack", domain.TypeAudio, []string{domain.StateRetrack}, audio.Process, cfg.Audio.AnalysisWorkers), nil)
	d.Add(proc("audio.reanalyse", domain.TypeAudio, []string{domain.StateFinished}, audio.Process, cfg.Audio.AnalysisWorkers), nil)

	d.Add(proc("trailcam", domain.TypeTrailcamImage, analyseStates, trailcam.Analyse, cfg.Trailcam.TrailWorkers), nil)

	return d.Run(ctx)
}
