// Package xref resolves exists_in(...) references to the entities a previous
// enforcement run acted on.
package xref

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"assetql/internal/logger"
	"assetql/internal/store"
	"assetql/pkg/models"
)

const (
	existsInPrefix = "exists_in("
	idField        = "internal_axon_id"
)

// Reference names one result bucket of an enforcement run.
type Reference struct {
	RunID       int64
	Condition   string
	ActionIndex int
	ResultKind  string
}

func (r Reference) String() string {
	return fmt.Sprintf("exists_in(%d, %s, %d, %s)", r.RunID, r.Condition, r.ActionIndex, r.ResultKind)
}

// ParseExistsIn splits a leading exists_in(run_id, condition, action_index,
// result_kind) off query. ok is false when query has no such prefix. A leading
// "and" in the remainder is dropped.
func ParseExistsIn(query string) (ref Reference, rest string, ok bool, err error) {
	trimmed := strings.TrimSpace(query)
	if !strings.HasPrefix(trimmed, existsInPrefix) {
		return Reference{}, query, false, nil
	}

	body := trimmed[len(existsInPrefix):]
	end := closingParen(body)
	if end < 0 {
		return Reference{}, "", true, fmt.Errorf("exists_in: missing closing parenthesis")
	}

	args := splitArgs(body[:end])
	if len(args) != 4 {
		return Reference{}, "", true, fmt.Errorf("exists_in: expected 4 arguments, got %d", len(args))
	}

	ref.RunID, err = strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return Reference{}, "", true, fmt.Errorf("exists_in: invalid run id %q: %w", args[0], err)
	}
	ref.Condition = unquote(args[1])
	index, err := strconv.Atoi(args[2])
	if err != nil {
		return Reference{}, "", true, fmt.Errorf("exists_in: invalid action index %q: %w", args[2], err)
	}
	ref.ActionIndex = index
	ref.ResultKind = unquote(args[3])
	if ref.ResultKind != models.ResultSuccessful && ref.ResultKind != models.ResultUnsuccessful {
		return Reference{}, "", true, fmt.Errorf("exists_in: unknown result kind %q", ref.ResultKind)
	}

	rest = strings.TrimSpace(body[end+1:])
	for _, kw := range []string{"and ", "AND "} {
		if strings.HasPrefix(rest, kw) {
			rest = strings.TrimSpace(rest[len(kw):])
			break
		}
	}
	return ref, rest, true, nil
}

func closingParen(s string) int {
	depth := 0
	inString := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case inString && c == '\\':
			i++
		case c == '"':
			inString = !inString
		case inString:
		case c == '(':
			depth++
		case c == ')':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

func splitArgs(s string) []string {
	var (
		args     []string
		inString bool
		start    int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case ',':
			if !inString {
				args = append(args, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(args, strings.TrimSpace(s[start:]))
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

// Resolver resolves references against stored runs and chunked result lists.
type Resolver struct {
	runs   store.RunFinder
	chunks store.ChunkReader
}

// NewResolver constructs a resolver.
func NewResolver(runs store.RunFinder, chunks store.ChunkReader) *Resolver {
	return &Resolver{runs: runs, chunks: chunks}
}

// Resolve returns the entity ids stored in the referenced bucket. A missing run,
// condition, action or bucket yields an empty list.
func (r *Resolver) Resolve(ctx context.Context, ref Reference) ([]string, error) {
	run, err := r.runs.FindRunByPrettyID(ctx, ref.RunID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debugf("%s: run not found", ref)
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find run %d: %w", ref.RunID, err)
	}

	action, ok := run.Result.Action(ref.Condition, ref.ActionIndex)
	if !ok {
		logger.Debugf("%s: no such action result", ref)
		return []string{}, nil
	}
	bucket, ok := action.Bucket(ref.ResultKind)
	if !ok {
		return []string{}, nil
	}

	ids := make([]string, 0, bucket.Length)
	err = r.chunks.ReadChunked(ctx, bucket, []string{idField}, func(item bson.M) error {
		if id, ok := item[idField].(string); ok && id != "" {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return ids, nil
}
