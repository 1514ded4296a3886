package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"

	"assetql/internal/compiler"
	"assetql/internal/logger"
	"assetql/internal/output/viewjson"
	"assetql/internal/pipeline"
	"assetql/internal/querylang"
	"assetql/internal/rules"
	"assetql/internal/view"
	"assetql/pkg/models"
)

func newCompileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <query>",
		Short: "Compile a query into a MongoDB filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := historyFlag(cmd)
			if err != nil {
				return err
			}
			nonEntities, _ := cmd.Flags().GetBool("non-entities")

			c, err := a.compiler(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var f compiler.PhysicalFilter
			if nonEntities {
				f, err = c.ParseFilterNonEntities(cmd.Context(), args[0], history)
			} else {
				f, err = c.ParseFilter(cmd.Context(), args[0], history)
			}
			if err != nil {
				return err
			}
			return printFilter(cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().String("history", "", "history date (RFC 3339 or any date the query language accepts)")
	cmd.Flags().Bool("non-entities", false, "compile for a collection that is not an entity collection")
	return cmd
}

func newCompileRawCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile-raw <extended-json-filter>",
		Short: "Apply the entity rewrites to a filter written over view fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			includeOutdated, _ := cmd.Flags().GetBool("include-outdated")
			raw, err := parseExtJSON(args[0])
			if err != nil {
				return err
			}
			c, err := compiler.New(a.cfg.AssetQL.Cache.Size)
			if err != nil {
				return err
			}
			return printFilter(cmd.OutOrStdout(), c.CompileTree(raw, includeOutdated))
		},
	}
	cmd.Flags().Bool("include-outdated", false, "let outdated adapter records match")
	return cmd
}

func newQueryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <query>",
		Short: "Run a query against the entities collection and print matching views",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			history, err := historyFlag(cmd)
			if err != nil {
				return err
			}
			fields, _ := cmd.Flags().GetStringSlice("fields")
			limit, _ := cmd.Flags().GetInt("limit")

			c, err := a.compiler(ctx, args[0])
			if err != nil {
				return err
			}
			f, err := c.ParseFilter(ctx, args[0], history)
			if err != nil {
				return err
			}
			ds, err := a.datastore(ctx)
			if err != nil {
				return err
			}

			projection := view.ConvertProjection(projectionFromFields(fields))
			cur, err := ds.Find(ctx, a.cfg.AssetQL.Mongo.EntitiesCollection, f.Doc(), projection)
			if err != nil {
				return err
			}
			defer cur.Close(ctx)

			w := viewjson.NewStreamWriter(cmd.OutOrStdout())
			n := 0
			for (limit <= 0 || n < limit) && cur.Next(ctx) {
				var doc bson.M
				if err := cur.Decode(&doc); err != nil {
					return fmt.Errorf("decode entity: %w", err)
				}
				v, err := view.Materialize(doc, len(fields) > 0)
				if err != nil {
					return err
				}
				if err := w.WriteViews([]*models.View{v}); err != nil {
					return err
				}
				n++
			}
			if err := cur.Err(); err != nil {
				return fmt.Errorf("read entities: %w", err)
			}
			logger.Infof("Query returned %d entities", n)
			return nil
		},
	}
	cmd.Flags().String("history", "", "history date")
	cmd.Flags().StringSlice("fields", nil, "view fields to project (default: whole view)")
	cmd.Flags().Int("limit", 0, "maximum number of entities to print (0 means no limit)")
	return cmd
}

func newViewCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view [query]",
		Short: "Materialize entity views into the configured output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			query := ""
			if len(args) == 1 {
				query = args[0]
			}

			c, err := a.compiler(ctx, query)
			if err != nil {
				return err
			}
			f, err := c.ParseFilter(ctx, query, nil)
			if err != nil {
				return err
			}
			ds, err := a.datastore(ctx)
			if err != nil {
				return err
			}
			cur, err := ds.Find(ctx, a.cfg.AssetQL.Mongo.EntitiesCollection, f.Doc(), nil)
			if err != nil {
				return err
			}
			defer cur.Close(ctx)

			writer, err := a.viewWriter()
			if err != nil {
				return err
			}
			defer func() {
				if err := writer.Close(); err != nil {
					logger.Errorf("Failed to close view writer: %v", err)
				}
			}()

			pc := a.cfg.AssetQL.Pipeline
			p := pipeline.NewViewPipeline(writer, pipeline.Options{
				Workers:       pc.Workers,
				BatchSize:     pc.BatchSize,
				FlushInterval: pc.FlushInterval,
				IgnoreErrors:  pc.IgnoreErrors,
			})
			n, err := p.Run(ctx, cur)
			fmt.Fprintf(cmd.OutOrStdout(), "views written=%d\n", n)
			return err
		},
	}
	return cmd
}

type savedQueryOutput struct {
	rules.SavedQuery
	Filter  compiler.PhysicalFilter `json:"filter"`
	Matches *int64                  `json:"matches,omitempty"`
}

func newRulesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Compile Sigma rules into saved queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			count, _ := cmd.Flags().GetBool("count")
			if strings.TrimSpace(path) == "" {
				if !a.cfg.AssetQL.Rules.Enabled {
					return fmt.Errorf("rules are disabled and no --path was given")
				}
				path = a.cfg.AssetQL.Rules.Path
			}

			engine, stats, err := rules.NewSigmaEngine(path)
			if err != nil {
				return fmt.Errorf("load sigma rules from %s: %w", path, err)
			}
			logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
				stats.Loaded,
				stats.SkippedComplex,
				stats.SkippedDatasource,
				stats.SkippedInvalid,
				stats.TotalFiles,
			)

			c, err := compiler.New(a.cfg.AssetQL.Cache.Size)
			if err != nil {
				return err
			}
			var counter func(compiler.PhysicalFilter) (int64, error)
			if count {
				counter = func(f compiler.PhysicalFilter) (int64, error) { return a.countEntities(cmd, f) }
			}
			return writeSavedQueries(cmd.OutOrStdout(), engine, c, counter)
		},
	}
	cmd.Flags().String("path", "", "rule file or directory (default: rules.path from config)")
	cmd.Flags().Bool("count", false, "count matching entities for each rule")
	return cmd
}

// writeSavedQueries prints one JSON line per saved query of src with its
// compiled filter. count, when set, adds the number of matching entities.
func writeSavedQueries(w io.Writer, src rules.Source, c *compiler.Compiler, count func(compiler.PhysicalFilter) (int64, error)) error {
	enc := json.NewEncoder(w)
	for _, q := range src.Queries() {
		out := savedQueryOutput{SavedQuery: q, Filter: c.CompileTree(q.Filter, false)}
		if count != nil {
			n, err := count(out.Filter)
			if err != nil {
				return fmt.Errorf("count saved query %s: %w", q.ID, err)
			}
			out.Matches = &n
		}
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encode saved query %s: %w", q.ID, err)
		}
	}
	return nil
}

func (a *app) countEntities(cmd *cobra.Command, f compiler.PhysicalFilter) (int64, error) {
	ctx := cmd.Context()
	ds, err := a.datastore(ctx)
	if err != nil {
		return 0, err
	}
	cur, err := ds.Find(ctx, a.cfg.AssetQL.Mongo.EntitiesCollection, f.Doc(), bson.D{{Key: "internal_axon_id", Value: 1}})
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)
	var n int64
	for cur.Next(ctx) {
		n++
	}
	return n, cur.Err()
}

func historyFlag(cmd *cobra.Command) (*time.Time, error) {
	raw, _ := cmd.Flags().GetString("history")
	return parseHistory(raw)
}

func parseHistory(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := querylang.ParseDate(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid history date %q: %w", raw, err)
	}
	return &t, nil
}

func parseExtJSON(raw string) (bson.D, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(raw), false, &doc); err != nil {
		return nil, fmt.Errorf("parse filter: %w", err)
	}
	return doc, nil
}

func projectionFromFields(fields []string) bson.D {
	var p bson.D
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			p = append(p, bson.E{Key: f, Value: 1})
		}
	}
	if len(p) > 0 {
		p = append(p, bson.E{Key: "internal_axon_id", Value: 1})
	}
	return p
}

func printFilter(w io.Writer, f compiler.PhysicalFilter) error {
	raw, err := f.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}
	_, err = fmt.Fprintln(w, string(raw))
	return err
}
