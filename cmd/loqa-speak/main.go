package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	baseURL   string
	text      string
	language  string
	chunkSize int
	wav       bool
	out       string
	timeout   time.Duration
}

// summary describes one completed download.
type summary struct {
	status      int
	bytes       int64
	reads       int
	firstByte   time.Duration
	total       time.Duration
	sampleRate  int
	channels    int
	bitDepth    int
	partialTail bool
}

var version = "0.1.0-dev"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "loqa-speak",
		Short:         "Stream speech from a loqa-speech server",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.text) == "" {
				return errors.New("--text is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var out io.Writer = cmd.OutOrStdout()
			if opts.out != "-" {
				f, err := os.Create(opts.out)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			sum, err := run(ctx, http.DefaultClient, opts, out)
			report(cmd.ErrOrStderr(), opts, sum)
			return err
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.baseURL, "url", "http://localhost:8000", "Base URL of the synthesis service")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Overall request timeout")
	cmd.Flags().StringVarP(&opts.text, "text", "t", "", "Text to synthesize (required)")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Language code; server default when empty")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", 0, "Chunk size hint; server default when zero")
	cmd.Flags().BoolVar(&opts.wav, "wav", false, "Request a WAV file instead of raw PCM")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "-", "Output file, - for stdout")

	cmd.AddCommand(newJobsCommand(&opts))
	return cmd
}

func newJobsCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs [request-id]",
		Short: "Show recent synthesis jobs, or one job by request id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/jobs?limit=%d", limit)
			if len(args) == 1 {
				path = "/jobs/" + url.PathEscape(args[0])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return fetchJSON(ctx, http.DefaultClient, opsURL(opts.baseURL)+path, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of jobs to list")
	return cmd
}

// opsURL strips a relay base path so operational endpoints resolve at the root.
func opsURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimRight(base, "/")
	}
	u.Path = ""
	return strings.TrimRight(u.String(), "/")
}

func fetchJSON(ctx context.Context, client *http.Client, target string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func run(ctx context.Context, client *http.Client, opts options, out io.Writer) (summary, error) {
	var sum summary
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	payload := map[string]any{"text": opts.text}
	if opts.language != "" {
		payload["language"] = opts.language
	}
	if opts.chunkSize != 0 {
		payload["chunk_size"] = opts.chunkSize
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return sum, err
	}

	path := "/synthesize"
	if opts.wav {
		path = "/synthesize-wav"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(opts.baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return sum, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return sum, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	sum.status = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return sum, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	sum.sampleRate, _ = strconv.Atoi(resp.Header.Get("X-Sample-Rate"))
	sum.channels, _ = strconv.Atoi(resp.Header.Get("X-Channels"))
	sum.bitDepth, _ = strconv.Atoi(resp.Header.Get("X-Bit-Depth"))

	buf := make([]byte, 8192)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if sum.reads == 0 {
				sum.firstByte = time.Since(start)
			}
			sum.reads++
			sum.bytes += int64(n)
			if _, err := out.Write(buf[:n]); err != nil {
				return sum, fmt.Errorf("write output: %w", err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			sum.total = time.Since(start)
			sum.partialTail = !opts.wav && sum.bytes%2 != 0
			return sum, fmt.Errorf("stream interrupted after %d bytes: %w", sum.bytes, readErr)
		}
	}
	sum.total = time.Since(start)
	sum.partialTail = !opts.wav && sum.bytes%2 != 0
	return sum, nil
}

func report(w io.Writer, opts options, sum summary) {
	if sum.status == 0 {
		return
	}
	fmt.Fprintf(w, "status=%d bytes=%d reads=%d first_byte=%s total=%s\n",
		sum.status, sum.bytes, sum.reads, sum.firstByte.Round(time.Millisecond), sum.total.Round(time.Millisecond))
	if frame := int64(sum.channels * sum.bitDepth / 8); !opts.wav && sum.sampleRate > 0 && frame > 0 {
		seconds := float64(sum.bytes/frame) / float64(sum.sampleRate)
		fmt.Fprintf(w, "format=%dHz/%dch/%dbit audio=%.2fs\n", sum.sampleRate, sum.channels, sum.bitDepth, seconds)
	}
	if sum.partialTail {
		fmt.Fprintln(w, "warning: stream ended on a partial 16-bit sample")
	}
}
