package commands

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"genjob-orchestrator/internal/artifact"
	"genjob-orchestrator/internal/client"
	"genjob-orchestrator/internal/config"
	"genjob-orchestrator/internal/joberr"
	"genjob-orchestrator/internal/jobs"
	"genjob-orchestrator/internal/logging"
	"genjob-orchestrator/internal/models"
	"genjob-orchestrator/internal/provider"
)

const (
	flagImage       = "image"
	flagEnvironment = "environment"
	flagStyle       = "style"
	flagGuidance    = "guidance"
	flagInterval    = "interval"
	flagMaxAttempts = "max-attempts"
	flagLocal       = "local"
)

func addParamFlags(cmd *cobra.Command) {
	cmd.Flags().StringP(flagImage, "i", "", "Portrait image: a local file, an http(s) URL or a data URI")
	cmd.Flags().StringP(flagEnvironment, "e", "", "Scene: icu, operating-room, emergency or laboratory")
	cmd.Flags().String(flagStyle, string(models.StyleRealistic), "Rendering style: realistic or cartoon")
	cmd.Flags().StringP(flagGuidance, "g", "", "Optional extra guidance, up to 500 characters")
	_ = cmd.MarkFlagRequired(flagImage)
	_ = cmd.MarkFlagRequired(flagEnvironment)
}

func readParams(cmd *cobra.Command) (models.GenerationParams, error) {
	image, _ := cmd.Flags().GetString(flagImage)
	env, _ := cmd.Flags().GetString(flagEnvironment)
	style, _ := cmd.Flags().GetString(flagStyle)
	guidance, _ := cmd.Flags().GetString(flagGuidance)

	ref, err := imageRef(image)
	if err != nil {
		return models.GenerationParams{}, err
	}
	return models.GenerationParams{Image: ref, Environment: env, Style: style, Guidance: guidance}, nil
}

// imageRef passes URLs through and inlines local files as a data URI.
func imageRef(ref string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(ref))
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "data:") {
		return ref, nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%s does not look like an image (%s)", ref, mime)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a generation job and print its id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := readParams(cmd)
			if err != nil {
				return err
			}
			id, err := apiClient.Submit(cmd.Context(), params)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"jobId": id})
		},
	}
	addParamFlags(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Check a job once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient.Probe(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if st.State == models.StateNotFound {
				return &joberr.Error{Kind: joberr.KindNotFound, JobID: args[0], Message: "job not found"}
			}
			return printJSON(cmd.OutOrStdout(), client.Result{
				JobID:  args[0],
				Status: string(st.State),
				Result: st.Result,
				Error:  st.Error,
			})
		},
	}
}

func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait JOB_ID",
		Short: "Poll a job until it settles or the attempt budget runs out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration(flagInterval)
			attempts, _ := cmd.Flags().GetInt(flagMaxAttempts)
			log := logging.NewWithWriter(cmd.ErrOrStderr(), "dev", logLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			// The server settles and cleans up the job; this side only watches.
			poller := jobs.NewPoller(apiClient, nil, jobs.PollConfig{Interval: interval, MaxAttempts: attempts}, log)
			o, err := poller.Poll(ctx, args[0])
			return printOutcome(cmd.OutOrStdout(), o, err)
		},
	}
	def := jobs.DefaultPollConfig()
	cmd.Flags().Duration(flagInterval, def.Interval, "Time between status checks")
	cmd.Flags().Int(flagMaxAttempts, def.MaxAttempts, "Status checks before giving up")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a job and wait for its result in one call",
		Long: `run uses the API's synchronous endpoint. With --local it talks to the
provider directly using the service configuration (REPLICATE_API_TOKEN etc.)
and cleans the job up itself.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := readParams(cmd)
			if err != nil {
				return err
			}
			local, _ := cmd.Flags().GetBool(flagLocal)
			if !local {
				res, err := apiClient.Run(cmd.Context(), params)
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			o, err := runLocal(ctx, cmd.ErrOrStderr(), params)
			return printOutcome(cmd.OutOrStdout(), o, err)
		},
	}
	addParamFlags(cmd)
	cmd.Flags().Bool(flagLocal, false, "Call the provider directly instead of the API")
	return cmd
}

func runLocal(ctx context.Context, logOut io.Writer, params models.GenerationParams) (jobs.Outcome, error) {
	cfg, err := config.Load()
	if err != nil {
		return jobs.Outcome{}, err
	}
	if err := cfg.Validate(); err != nil {
		return jobs.Outcome{}, err
	}
	log := logging.NewWithWriter(logOut, "dev", logLevel)

	prov, err := provider.NewReplicate(provider.Options{
		Token:   cfg.ProviderToken,
		BaseURL: cfg.ProviderBaseURL,
		Model:   cfg.ProviderModel,
		Logger:  log,
	})
	if err != nil {
		return jobs.Outcome{}, err
	}
	fin := &jobs.Finalizer{
		Cleaner:     jobs.NewCleaner(jobs.CleanerOptions{Provider: prov, Timeout: cfg.CleanupTimeout, Logger: log}),
		SinkTimeout: cfg.MirrorFetchTimeout,
		Log:         log,
	}
	mirror, err := artifact.New(ctx, cfg)
	if err != nil {
		return jobs.Outcome{}, err
	}
	if mirror != nil {
		fin.Sink = mirror
	}

	orch := jobs.NewOrchestrator(
		jobs.NewSubmitter(jobs.SubmitterOptions{Provider: prov, Timeout: cfg.SubmitTimeout, Logger: log}),
		jobs.NewPoller(jobs.NewProber(prov, cfg.ProbeTimeout, log), fin, jobs.PollConfig{
			Interval:     cfg.PollInterval,
			MaxAttempts:  cfg.PollMaxAttempts,
			ProbeTimeout: cfg.ProbeTimeout,
		}, log),
		fin,
	)
	return orch.Run(ctx, params)
}

func printOutcome(w io.Writer, o jobs.Outcome, err error) error {
	res := client.Result{JobID: o.JobID, Status: string(o.State), Result: o.Result}
	if err != nil {
		res.Status = string(models.StateFailed)
		res.Error = err.Error()
		res.Category = string(joberr.KindOf(err))
	}
	if perr := printJSON(w, struct {
		client.Result
		Attempts int    `json:"attempts"`
		Elapsed  string `json:"elapsed"`
	}{res, o.Attempts, o.Elapsed.Round(time.Millisecond).String()}); perr != nil {
		return perr
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
