package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tke/internal/audit"
	"tke/internal/auth"
	"tke/internal/cache"
	"tke/internal/config"
	"tke/internal/embed"
	"tke/internal/engine"
	"tke/internal/excel"
	"tke/internal/expand"
	"tke/internal/index"
	"tke/internal/llm"
	"tke/internal/logging"
	"tke/internal/mapping"
	"tke/internal/model"
	"tke/internal/rerank"
	"tke/internal/search"
	"tke/internal/store/relational"
	"tke/internal/store/repo"
	"tke/internal/store/vector"
	"tke/internal/text2sql"
	"tke/internal/tkerr"
	"tke/internal/vlm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to the documented codes: 1 partial or general,
// 2 extraction, 3 invalid arguments.
func exitCode(err error) int {
	switch {
	case errors.Is(err, excel.ErrExtraction):
		return 2
	case errors.Is(err, tkerr.ErrInput), errors.Is(err, tkerr.ErrValidation):
		return 3
	}
	return 1
}

// app holds the wired engine plus everything that needs closing.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	engine  *engine.Engine
	adapter relational.Adapter
	vectors vector.Store
	cache   *cache.Cache
	sink    *audit.Sink
}

func (a *app) close() {
	if a.sink != nil {
		a.sink.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.vectors != nil {
		a.vectors.Close()
	}
	if a.adapter != nil {
		a.adapter.Close()
	}
	if a.logger != nil {
		a.logger.Sync()
	}
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	adapter, err := relational.NewAdapter(&relational.Config{
		Type:         cfg.Database.Type,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		Database:     cfg.Database.Database,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		FilePath:     cfg.Database.FilePath,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	if err := adapter.Connect(ctx); err != nil {
		a.close()
		return nil, err
	}
	a.adapter = adapter
	store := repo.New(adapter)

	vectors, err := vector.NewQdrant(cfg.Qdrant, cfg.Embed.Dimension)
	if err != nil {
		a.close()
		return nil, err
	}
	a.vectors = vectors

	a.cache = cache.New(cfg.Redis, logger)
	embedder := embed.NewClient(cfg.Embed, a.cache)
	reranker := rerank.NewClient(cfg.Rerank, a.cache)

	m, err := llm.New(cfg.LLM)
	if err != nil {
		a.close()
		return nil, err
	}

	expander := expand.New(store.Synonyms, m, logger)
	generator := text2sql.NewGenerator(m, adapter, store.Knowledge, store.Synonyms, nil, logger)
	semantic := search.NewSearcher(embedder, vectors, reranker, m, logger)
	hybrid := search.NewHybrid(expander, generator, semantic, a.cache, logger)

	vision := vlm.NewClient(cfg.VLM)
	var validator engine.Validator
	if cfg.Ingest.ConverterURL != "" {
		converter := mapping.NewHTTPConverter(cfg.Ingest.ConverterURL)
		validator = mapping.NewValidator(vision, converter, cfg.Ingest, logger)
	}

	extractor := excel.NewExtractor(cfg.Ingest.ImagesDir, logger)
	indexer := index.NewIndexer(vectors, store.Cases, embedder, logger)
	gate := auth.NewGate(cfg.RBAC)
	a.sink = audit.NewSink(cfg.Audit, store.Audit, logger)

	a.engine = engine.New(extractor, indexer, hybrid, gate, a.sink, store, vectors, logger,
		engine.Options{
			Validator:      validator,
			Vision:         vision,
			Cache:          a.cache,
			VLMConcurrency: cfg.Ingest.VLMConcurrency,
		})
	return a, nil
}

func newRootCmd() *cobra.Command {
	var configPath string
	var userID string
	var roles []string

	root := &cobra.Command{
		Use:           "tke",
		Short:         "Troubleshooting knowledge engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", tkerr.ErrInput, err)
	})
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	root.PersistentFlags().StringVar(&userID, "user", "", "acting user id")
	root.PersistentFlags().StringSliceVar(&roles, "roles", nil, "acting user roles")

	user := func() *model.UserContext {
		if userID == "" {
			return nil
		}
		return &model.UserContext{UserID: userID, Roles: roles}
	}

	root.AddCommand(newIngestCmd(&configPath, user))
	root.AddCommand(newQueryCmd(&configPath, user))
	root.AddCommand(newDeleteCmd(&configPath, user))
	root.AddCommand(newStatsCmd(&configPath))
	root.AddCommand(newInitCmd(&configPath))
	return root
}

func newIngestCmd(configPath *string, user func() *model.UserContext) *cobra.Command {
	var limit int
	var force, validate, noVLM bool

	cmd := &cobra.Command{
		Use:   "ingest <spreadsheet>...",
		Short: "Extract, map, and index trial-report workbooks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			files, err := expandArgs(args)
			if err != nil {
				return err
			}
			if limit > 0 && limit < len(files) {
				files = files[:limit]
			}

			var firstErr error
			for _, path := range files {
				report, err := a.engine.IngestCase(ctx, path, user(), engine.IngestOptions{
					Force:     force,
					Validate:  validate,
					VLMEnrich: !noVLM,
				})
				if err != nil {
					a.logger.Error("ingest failed", zap.String("file", path), zap.Error(err))
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				printJSON(cmd, report)
			}
			return firstErr
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "ingest at most N files")
	cmd.Flags().BoolVar(&force, "force", false, "reindex already-indexed cases")
	cmd.Flags().BoolVar(&validate, "validate-mappings", false, "run page-level mapping validation")
	cmd.Flags().BoolVar(&noVLM, "no-vlm", false, "skip per-image analysis")
	return cmd
}

func newQueryCmd(configPath *string, user func() *model.UserContext) *cobra.Command {
	var mode string
	var topK int
	var filters map[string]string
	var returnSQL bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			resp, err := a.engine.Query(ctx, search.Request{
				Query:     strings.Join(args, " "),
				Mode:      search.Mode(strings.ToUpper(mode)),
				TopK:      topK,
				Filters:   filters,
				ReturnSQL: returnSQL,
			}, user())
			if err != nil {
				return err
			}
			printJSON(cmd, resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "AUTO | STRUCTURED | SEMANTIC | HYBRID")
	cmd.Flags().IntVar(&topK, "top-k", 10, "result count")
	cmd.Flags().StringToStringVar(&filters, "filter", nil, "metadata filters, e.g. part_number=A123")
	cmd.Flags().BoolVar(&returnSQL, "return-sql", false, "include generated SQL in the response")
	return cmd
}

func newDeleteCmd(configPath *string, user func() *model.UserContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-case <case-id>",
		Short: "Remove a case from both stores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.engine.DeleteCase(ctx, args[0], user())
		},
	}
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store sizes and dependency health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.engine.GetStats(ctx)
			if err != nil {
				return err
			}
			printJSON(cmd, stats)
			return nil
		},
	}
}

func newInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-collections",
		Short: "Create the relational schema and vector collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return a.engine.Init(ctx)
		},
	}
}

// expandArgs turns directory arguments into the .xlsx files they contain.
func expandArgs(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, tkerr.Inputf("%s: %v", arg, err)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*.xlsx"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, tkerr.Inputf("no spreadsheets to ingest")
	}
	return files, nil
}

func printJSON(cmd *cobra.Command, v interface{}) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		cmd.PrintErrln(err)
		return
	}
	cmd.Println(string(raw))
}
