package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/citeline/internal/attribution"
	"github.com/zulandar/citeline/internal/generation"
	"github.com/zulandar/citeline/internal/models"
	"github.com/zulandar/citeline/internal/retrieval"
	"golang.org/x/term"
)

const defaultWrapWidth = 80

func newAskCmd() *cobra.Command {
	var (
		configPath string
		orgID      string
		mode       string
		model      string
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question without creating a session",
		Long:  "Retrieves excerpts for the organization, generates a cited answer and prints it with its sources. Nothing is persisted except the retrieval cache.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, configPath, orgID, mode, model, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "citeline.yaml", "path to Citeline config file")
	cmd.Flags().StringVar(&orgID, "org", "", "organization whose documents are searched (required)")
	cmd.Flags().StringVar(&mode, "mode", models.ModeBalanced, "response mode: strict, balanced or creative")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.MarkFlagRequired("org")
	return cmd
}

func runAsk(cmd *cobra.Command, configPath, orgID, mode, model, question string) error {
	if _, err := generation.ParseMode(mode); err != nil {
		return err
	}
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, gormDB)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	retrieved, err := a.pipeline.Retrieve(ctx, question, orgID, retrieval.Options{})
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}
	res, err := a.engine.Generate(ctx, generation.Request{
		Question: question,
		Chunks:   retrieved.Chunks,
		Mode:     mode,
		Model:    model,
	})
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	annotated := attribution.Reconcile(retrieved.Chunks, res.SourcesUsed, res.Fallback)
	printAnswer(cmd.OutOrStdout(), res, annotated, outputWidth(cmd.OutOrStdout()))
	return nil
}

// outputWidth returns the terminal width when out is a TTY, else defaultWrapWidth.
func outputWidth(out io.Writer) int {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWrapWidth
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return defaultWrapWidth
	}
	return w
}

func printAnswer(out io.Writer, res *generation.Result, annotated []attribution.Annotated, width int) {
	fmt.Fprintln(out, wrap(res.Text, width))
	if len(annotated) == 0 {
		return
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Sources (%d of %d used):\n", attribution.UsedCount(annotated), len(annotated))
	for i, a := range annotated {
		mark := " "
		if a.IsUsed {
			mark = "*"
		}
		line := fmt.Sprintf("%s [%d] %s", mark, i+1, a.Chunk.DocumentName)
		if a.Chunk.Page != nil {
			line += fmt.Sprintf(" (page %d)", *a.Chunk.Page)
		}
		line += fmt.Sprintf("  score %.2f", a.Chunk.Score)
		fmt.Fprintln(out, line)
		if a.UsageReason != nil && *a.UsageReason != "" {
			fmt.Fprintln(out, "      "+*a.UsageReason)
		}
	}
	if res.Fallback {
		fmt.Fprintln(out, "\n(answer generated without source attribution)")
	}
}

// wrap breaks text on spaces so that no line exceeds width, keeping
// existing line breaks.
func wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	var b strings.Builder
	for i, para := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		col := 0
		for j, word := range strings.Fields(para) {
			n := len([]rune(word))
			if j > 0 && col+1+n > width {
				b.WriteByte('\n')
				col = 0
			} else if j > 0 {
				b.WriteByte(' ')
				col++
			}
			b.WriteString(word)
			col += n
		}
	}
	return b.String()
}
