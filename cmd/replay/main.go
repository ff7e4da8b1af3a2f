package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"livedata-service/pkg/catalog"
	"livedata-service/pkg/common"
	"livedata-service/pkg/ingestion"
	"livedata-service/pkg/models"
	"livedata-service/pkg/processing"
	"livedata-service/services"
)

const maxRecordSize = 1 << 20

var (
	catalogPath string
	castWindow  time.Duration
	strict      bool
	verbose     bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Replay a JSON-lines combat log through the correlation engine",
		Long: `Replay reads raw live-data records (one JSON object per line) from a file or stdin,
runs them through the same decoder and correlators as the service, and prints every
correlated event and unresolved cast as a JSON line on stdout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runReplay,
	}

	rootCmd.Flags().StringVar(&catalogPath, "catalog", "", "Path to spell catalog JSON file")
	rootCmd.Flags().DurationVar(&castWindow, "window", 10*time.Second, "Default cast window when neither record nor catalog has a cast time")
	rootCmd.Flags().BoolVar(&strict, "strict", false, "Stop at the first record that fails to process")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log unmatched resolutions")
	_ = rootCmd.MarkFlagRequired("catalog")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	spells, err := catalog.LoadFromFile(catalogPath)
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	summary, err := replay(cmd.Context(), in, cmd.OutOrStdout(), spells, replayOptions{
		window: castWindow,
		strict: strict,
		logger: zl,
	})
	fmt.Fprintf(cmd.ErrOrStderr(), "records=%d correlated=%d unresolved=%d errors=%d\n",
		summary.Records, summary.Correlated, summary.Unresolved, summary.Errors)
	return err
}

type replayOptions struct {
	window time.Duration
	strict bool
	logger zerolog.Logger
}

// Summary 回放结果统计
type Summary struct {
	Records    int
	Correlated int
	Unresolved int
	Errors     int
}

// lineWriter 把关联事件和未结算施法按行写出
type lineWriter struct {
	mu         sync.Mutex
	out        io.Writer
	correlated int
	unresolved int
}

func (w *lineWriter) writeLine(data []byte, counter *int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	*counter++
	_, err := w.out.Write(append(data, '\n'))
	return err
}

// Publish 实现 processing.EventPublisher，同步写出
func (w *lineWriter) Publish(event models.CorrelatedEvent) error {
	data, err := models.MarshalCorrelated(event)
	if err != nil {
		return err
	}
	return w.writeLine(data, &w.correlated)
}

type unresolvedLine struct {
	Kind   string                  `json:"kind"`
	Reason models.UnresolvedReason `json:"reason"`
	Cast   models.ActiveCast       `json:"cast"`
}

// UnresolvedCast 实现 processing.UnresolvedReporter
func (w *lineWriter) UnresolvedCast(cast models.ActiveCast, reason models.UnresolvedReason) {
	data, err := json.Marshal(unresolvedLine{Kind: "unresolved", Reason: reason, Cast: cast})
	if err != nil {
		return
	}
	_ = w.writeLine(data, &w.unresolved)
}

// UnmatchedResolution 实现 processing.UnresolvedReporter
func (w *lineWriter) UnmatchedResolution(models.RawEvent, error) {}

func replay(ctx context.Context, in io.Reader, out io.Writer, spells catalog.SpellCatalog, opts replayOptions) (Summary, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	w := &lineWriter{out: out}
	log := common.NewLoggerFrom("Replay", opts.logger)
	p := processing.NewProcessor(ingestion.NewDecoder(spells), spells, w, processing.Options{
		Shards:            1,
		DefaultCastWindow: opts.window,
		Reporter:          services.Reporters{w, services.NewLogReporter(log)},
		Logger:            log,
	})

	var summary Summary
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)

	var runErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		summary.Records++

		if err := p.Process(ctx, line); err != nil {
			summary.Errors++
			if opts.strict {
				runErr = fmt.Errorf("record %d: %w", summary.Records, err)
				break
			}
		}
		// 按数据流时间扫描过期施法
		p.SweepStreams()
	}
	if runErr == nil {
		if err := scanner.Err(); err != nil {
			runErr = fmt.Errorf("failed to read input: %w", err)
		}
	}

	p.Shutdown()

	summary.Correlated = w.correlated
	summary.Unresolved = w.unresolved
	return summary, runErr
}
