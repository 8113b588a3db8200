package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowlexi/patchvec/internal/engine"
	"github.com/flowlexi/patchvec/internal/opslog"
	"github.com/flowlexi/patchvec/internal/preprocess"
	"github.com/flowlexi/patchvec/internal/pverr"
	"go.uber.org/zap"
)

// cliEnv bundles the engine wiring for one-shot commands.
type cliEnv struct {
	engine *engine.Engine
	ops    *opslog.Logger
	logger *zap.Logger
}

// withEngine runs fn against a locally wired engine and tears it down.
func withEngine(fn func(*cliEnv) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	eng, ops, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer ops.Close()
	defer eng.Close()

	return fn(&cliEnv{engine: eng, ops: ops, logger: logger})
}

var (
	ingestDocID    string
	ingestMetadata string
	csvHasHeader   string
	csvMetaCols    []string
	csvIncludeCols []string
	searchK        int
	searchFilters  string
	searchShowJSON bool
)

func init() {
	ingestCmd.Flags().StringVar(&ingestDocID, "docid", "", "document id (default: derived from filename)")
	ingestCmd.Flags().StringVar(&ingestMetadata, "metadata", "", "document metadata as a JSON object")
	ingestCmd.Flags().StringVar(&csvHasHeader, "csv-has-header", "", "csv header handling: auto, yes or no")
	ingestCmd.Flags().StringSliceVar(&csvMetaCols, "csv-meta-col", nil, "csv column projected into chunk metadata (repeatable)")
	ingestCmd.Flags().StringSliceVar(&csvIncludeCols, "csv-include-col", nil, "csv row filter as column=value (repeatable)")

	searchCmd.Flags().IntVarP(&searchK, "k", "k", 0, "number of results (default 10)")
	searchCmd.Flags().StringVar(&searchFilters, "filters", "", "metadata filters as a JSON object")
	searchCmd.Flags().BoolVar(&searchShowJSON, "json", false, "emit raw JSON instead of a table")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest TENANT COLLECTION FILE",
	Short: "Ingest a document into a collection",
	Args:  exactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(env *cliEnv) error {
			data, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}

			var metadata map[string]any
			if ingestMetadata != "" {
				if err := json.Unmarshal([]byte(ingestMetadata), &metadata); err != nil {
					return pverr.InvalidRequest("--metadata must be a JSON object: %v", err)
				}
			}

			csvOpts := preprocess.CSVOptions{HasHeader: csvHasHeader, MetaCols: csvMetaCols}
			if len(csvIncludeCols) > 0 {
				csvOpts.IncludeCols = make(map[string]string, len(csvIncludeCols))
				for _, pair := range csvIncludeCols {
					name, value, ok := strings.Cut(pair, "=")
					if !ok {
						return fmt.Errorf("%w: --csv-include-col expects column=value, got %q", errUsage, pair)
					}
					csvOpts.IncludeCols[name] = value
				}
			}

			res, err := env.engine.Ingest(context.Background(), args[0], args[1], engine.IngestRequest{
				DocID:       ingestDocID,
				Filename:    filepath.Base(args[2]),
				ContentType: mime.TypeByExtension(filepath.Ext(args[2])),
				Data:        data,
				Metadata:    metadata,
				CSV:         csvOpts,
			})
			if err != nil {
				return err
			}
			fmt.Printf("ingested %s: %d chunks (version %d)\n", res.DocID, res.Chunks, res.Version)
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search TENANT COLLECTION QUERY",
	Short: "Search a collection",
	Args:  exactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(env *cliEnv) error {
			var filters map[string]any
			if searchFilters != "" {
				if err := json.Unmarshal([]byte(searchFilters), &filters); err != nil {
					return pverr.InvalidFilter("--filters must be a JSON object: %v", err)
				}
			}

			res, err := env.engine.Search(context.Background(), args[0], args[1], engine.SearchRequest{
				Query:   args[2],
				K:       searchK,
				Filters: filters,
			})
			if err != nil {
				return err
			}

			if searchShowJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			for _, hit := range res.Hits {
				text := hit.Text
				if len(text) > 100 {
					text = text[:100] + "..."
				}
				fmt.Printf("%.4f\t%s\t%s\n", hit.Score, hit.RID, strings.ReplaceAll(text, "\n", " "))
			}
			if res.Truncated {
				fmt.Fprintln(os.Stderr, "warning: results truncated by the search deadline")
			}
			return nil
		})
	},
}

var deleteDocCmd = &cobra.Command{
	Use:   "delete-doc TENANT COLLECTION DOCID",
	Short: "Delete a document from a collection",
	Args:  exactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(env *cliEnv) error {
			deleted, err := env.engine.DeleteDocument(context.Background(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d chunks\n", deleted)
			return nil
		})
	},
}
