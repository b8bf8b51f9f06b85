package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/css/scanner"

	"tools/chunkpack/cache"
	"tools/chunkpack/common"
	"tools/chunkpack/resolve"
)

// tokenize splits a stylesheet into tokens, excluding EOF. Concatenating the
// token values reproduces the input.
func tokenize(src string) ([]*scanner.Token, error) {
	var tokens []*scanner.Token
	s := scanner.New(src)
	for {
		tok := s.Next()
		switch tok.Type {
		case scanner.TokenEOF:
			return tokens, nil
		case scanner.TokenError:
			return nil, fmt.Errorf("%d:%d: invalid token %q", tok.Line, tok.Column, tok.Value)
		}
		tokens = append(tokens, tok)
	}
}

func skipSpace(tokens []*scanner.Token, i int) int {
	for i < len(tokens) && (tokens[i].Type == scanner.TokenS || tokens[i].Type == scanner.TokenComment) {
		i++
	}
	return i
}

// importStage inlines @import directives recursively. Each file is inlined
// at most once per stylesheet; media-qualified imports are wrapped in @media.
type importStage struct {
	resolver *resolve.Resolver
}

func (*importStage) Name() string     { return StageImport }
func (*importStage) Identity() string { return StageImport + "@1" }

func (s *importStage) Transform(ctx context.Context, in Unit) (Unit, error) {
	seen := map[string]bool{in.Path: true}
	var deps []cache.Dependency
	out, err := s.inline(ctx, in.Path, string(in.Code), seen, &deps)
	if err != nil {
		return Unit{}, err
	}
	// Line positions change, so any input map no longer applies.
	return in.next([]byte(out), nil, deps), nil
}

func (s *importStage) inline(ctx context.Context, path, src string, seen map[string]bool, deps *[]cache.Dependency) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tokens, err := tokenize(src)
	if err != nil {
		return "", fmt.Errorf("%s:%w", path, err)
	}
	var b strings.Builder
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Type != scanner.TokenAtKeyword || !strings.EqualFold(tok.Value, "@import") {
			b.WriteString(tok.Value)
			continue
		}
		spec, media, end, err := parseImport(tokens, i+1)
		if err != nil {
			return "", fmt.Errorf("%s:%d:%d: %w", path, tok.Line, tok.Column, err)
		}
		if common.IsRemoteURL(spec) {
			for _, t := range tokens[i:end] {
				b.WriteString(t.Value)
			}
			i = end - 1
			continue
		}
		target, err := resolveCSSImport(s.resolver, spec, filepath.Dir(path))
		if err != nil {
			return "", fmt.Errorf("%s:%d:%d: %w", path, tok.Line, tok.Column, err)
		}
		i = end - 1
		if seen[target] {
			continue
		}
		seen[target] = true

		data, err := os.ReadFile(target)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", target, err)
		}
		*deps = append(*deps, cache.Dependency{Path: target, Hash: cache.HashBytes(data)})
		inlined, err := s.inline(ctx, target, string(data), seen, deps)
		if err != nil {
			return "", err
		}
		inlined = strings.TrimRight(inlined, "\n")
		if media != "" {
			fmt.Fprintf(&b, "@media %s {\n%s\n}", media, inlined)
		} else {
			b.WriteString(inlined)
		}
	}
	return b.String(), nil
}

// parseImport reads the target and media list of an @import starting after
// the at-keyword. It returns the index just past the terminating semicolon.
func parseImport(tokens []*scanner.Token, i int) (spec, media string, end int, err error) {
	i = skipSpace(tokens, i)
	if i >= len(tokens) {
		return "", "", 0, fmt.Errorf("unterminated @import")
	}
	switch tok := tokens[i]; tok.Type {
	case scanner.TokenString:
		spec = unquote(tok.Value)
		i++
	case scanner.TokenURI:
		inner := strings.TrimSuffix(tok.Value[len("url("):], ")")
		spec = unquote(strings.TrimSpace(inner))
		i++
	case scanner.TokenFunction:
		if !strings.EqualFold(tok.Value, "url(") {
			return "", "", 0, fmt.Errorf("unexpected %q in @import", tok.Value)
		}
		i = skipSpace(tokens, i+1)
		if i >= len(tokens) || tokens[i].Type != scanner.TokenString {
			return "", "", 0, fmt.Errorf("malformed url() in @import")
		}
		spec = unquote(tokens[i].Value)
		i = skipSpace(tokens, i+1)
		if i >= len(tokens) || tokens[i].Value != ")" {
			return "", "", 0, fmt.Errorf("malformed url() in @import")
		}
		i++
	default:
		return "", "", 0, fmt.Errorf("unexpected %q in @import", tok.Value)
	}

	var m strings.Builder
	for ; i < len(tokens); i++ {
		if tokens[i].Type == scanner.TokenChar && tokens[i].Value == ";" {
			return spec, strings.Join(strings.Fields(m.String()), " "), i + 1, nil
		}
		m.WriteString(tokens[i].Value)
	}
	return "", "", 0, fmt.Errorf("@import %q is missing a semicolon", spec)
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// precssStage expands "$name: value;" variables. A variable must be defined
// before it is used.
type precssStage struct{}

func (precssStage) Name() string     { return StagePrecss }
func (precssStage) Identity() string { return StagePrecss + "@1" }

func (precssStage) Transform(_ context.Context, in Unit) (Unit, error) {
	tokens, err := tokenize(string(in.Code))
	if err != nil {
		return Unit{}, err
	}
	vars := map[string]string{}
	var b strings.Builder
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !isVariable(tokens, i) {
			b.WriteString(tok.Value)
			continue
		}
		name := tokens[i+1].Value
		j := skipSpace(tokens, i+2)
		if j < len(tokens) && tokens[j].Type == scanner.TokenChar && tokens[j].Value == ":" {
			value, end, err := variableValue(tokens, j+1, vars)
			if err != nil {
				return Unit{}, err
			}
			vars[name] = value
			i = end
			// Drop the newline that followed the definition.
			if i+1 < len(tokens) && tokens[i+1].Type == scanner.TokenS {
				i++
			}
			continue
		}
		value, ok := vars[name]
		if !ok {
			return Unit{}, fmt.Errorf("%s:%d:%d: undefined variable $%s", in.Name, tok.Line, tok.Column, name)
		}
		b.WriteString(value)
		i++
	}
	return in.next([]byte(b.String()), nil, nil), nil
}

func isVariable(tokens []*scanner.Token, i int) bool {
	return tokens[i].Type == scanner.TokenChar && tokens[i].Value == "$" &&
		i+1 < len(tokens) && tokens[i+1].Type == scanner.TokenIdent
}

// variableValue reads a definition value up to ";" or "}", substituting
// variables already defined. It returns the index of the terminator (the
// "}" itself is kept in the output).
func variableValue(tokens []*scanner.Token, i int, vars map[string]string) (string, int, error) {
	var b strings.Builder
	for ; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Type == scanner.TokenChar && tok.Value == ";" {
			return strings.TrimSpace(b.String()), i, nil
		}
		if tok.Type == scanner.TokenChar && tok.Value == "}" {
			return strings.TrimSpace(b.String()), i - 1, nil
		}
		if isVariable(tokens, i) {
			value, ok := vars[tokens[i+1].Value]
			if !ok {
				return "", 0, fmt.Errorf("%d:%d: undefined variable $%s", tok.Line, tok.Column, tokens[i+1].Value)
			}
			b.WriteString(value)
			i++
			continue
		}
		b.WriteString(tok.Value)
	}
	return strings.TrimSpace(b.String()), len(tokens) - 1, nil
}
