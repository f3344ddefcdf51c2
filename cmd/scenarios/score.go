package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
	"github.com/boddenberg/credit-scenarios-go/internal/scoring"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a financial snapshot without running the service",
	Long: `Reads a financial_data document from a JSON or YAML file (or stdin with -f -)
and prints the credit score report as JSON. The document may also be wrapped
in a top-level "financial_data" key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		raw, err := readSnapshot(cmd.InOrStdin(), path)
		if err != nil {
			return err
		}
		data, err := domain.ParseFinancialData(raw)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(scoring.Score(data))
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)
	scoreCmd.Flags().StringP("file", "f", "", "snapshot file (.json, .yaml or .yml); - for stdin")
	_ = scoreCmd.MarkFlagRequired("file")
}

func readSnapshot(stdin io.Reader, path string) (map[string]any, error) {
	var (
		content []byte
		err     error
	)
	if path == "-" {
		content, err = io.ReadAll(stdin)
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var doc map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml snapshot: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse json snapshot: %w", err)
		}
	}

	if inner, ok := doc["financial_data"].(map[string]any); ok {
		return inner, nil
	}
	return doc, nil
}
