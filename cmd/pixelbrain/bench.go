package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pixelbrain/internal/session"
)

const defaultBenchPrompt = "Write a short poem about the speed of light."

var (
	benchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	benchLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	benchValueStyle = lipgloss.NewStyle().Bold(true)
	benchErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func runBench(args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	flags := addCommonFlags(fs)
	prompt := fs.String("prompt", defaultBenchPrompt, "prompt to generate from")
	runs := fs.Int("runs", 1, "number of generations to average")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runs < 1 {
		return fmt.Errorf("--runs must be at least 1")
	}

	cfg, err := flags.load(flagSet(fs, "config"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Service.LogLevel, os.Stderr, false)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager, _ := newManager(cfg, nil, logger)
	defer manager.Close()

	fmt.Println(benchTitleStyle.Render("Benchmarking " + cfg.Ollama.Model))
	fmt.Println(benchLabelStyle.Render("Target: " + cfg.Ollama.GenerateURL()))

	var results []session.Session
	for i := 0; i < *runs; i++ {
		s, err := benchOnce(ctx, manager, *prompt)
		if err != nil {
			return err
		}
		if s.Phase != session.PhaseCompleted {
			fmt.Println(benchErrStyle.Render("Benchmark failed: " + s.Reason))
			return fmt.Errorf("generation %d ended %s", i+1, s.Phase)
		}
		results = append(results, s)
		if err := manager.Clear(); err != nil {
			return err
		}
	}

	writeBenchReport(os.Stdout, results)
	return nil
}

// benchOnce runs one generation to its end. Interrupting ctx cancels it.
func benchOnce(ctx context.Context, manager *session.Manager, prompt string) (session.Session, error) {
	if _, err := manager.Submit(prompt); err != nil {
		return session.Session{}, fmt.Errorf("submit: %w", err)
	}
	s, err := manager.Wait(ctx)
	if err != nil {
		manager.Cancel()
		return session.Session{}, fmt.Errorf("benchmark interrupted: %w", err)
	}
	return s, nil
}

// writeBenchReport prints averaged throughput for completed sessions. Server
// stats are only counted when the final object carried them.
func writeBenchReport(w io.Writer, results []session.Session) {
	var genRate, promptRate float64
	var tokens int
	var wall, load, promptEval, eval time.Duration
	withStats := 0

	for _, s := range results {
		wall += s.Duration()
		if s.Stats == nil {
			continue
		}
		withStats++
		genRate += s.Stats.GenerationRate()
		promptRate += s.Stats.PromptRate()
		tokens += s.Stats.EvalCount
		load += s.Stats.LoadDuration
		promptEval += s.Stats.PromptEvalDuration
		eval += s.Stats.EvalDuration
	}

	n := len(results)
	if n == 0 {
		fmt.Fprintln(w, "no generations completed")
		return
	}
	wall /= time.Duration(n)

	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", benchLabelStyle.Render(fmt.Sprintf("%-32s", label)), benchValueStyle.Render(value))
	}

	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintln(w, benchTitleStyle.Render("Performance report"))
	if withStats == 0 {
		row("Total response time:", fmt.Sprintf("%.2f seconds", wall.Seconds()))
		fmt.Fprintln(w, benchErrStyle.Render("server sent no timing stats"))
		return
	}

	d := time.Duration(withStats)
	row("Token generation speed:", fmt.Sprintf("%.2f tokens/sec", genRate/float64(withStats)))
	row("Prompt processing speed:", fmt.Sprintf("%.2f tokens/sec", promptRate/float64(withStats)))
	row("Tokens generated:", fmt.Sprintf("%d tokens", tokens/withStats))
	row("Total response time:", fmt.Sprintf("%.2f seconds", wall.Seconds()))
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintln(w, benchLabelStyle.Render("Raw stats (from server)"))
	row("Load duration:", formatMillis(load/d))
	row("Prompt eval:", formatMillis(promptEval/d))
	row("Generation:", formatMillis(eval/d))
	if n > 1 {
		row("Runs averaged:", fmt.Sprintf("%d", n))
	}
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
}
