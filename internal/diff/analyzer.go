package diff

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/codescribe/codescribe/pkg/models"
)

// ErrUnsupportedLanguage marks files for which no syntax parser exists. Such
// files are still reviewed, but with raw-line hunks only.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Analyzer converts a raw unified diff plus per-file source snapshots into a
// structured change set annotated with syntactic node boundaries. Analysis is
// deterministic: identical diff + source always yields an identical change
// set, which idempotent replay depends on.
type Analyzer struct{}

// NewAnalyzer creates a new diff analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze parses diffText and annotates each changed file with the syntax
// nodes its hunks touch, using the head-revision source in sources (keyed by
// file path). Files without a parser or without source degrade to raw-line
// hunks rather than being dropped.
func (a *Analyzer) Analyze(diffText string, sources map[string]string) (models.DiffChangeSet, error) {
	files, err := parseUnifiedDiff(diffText)
	if err != nil {
		return models.DiffChangeSet{}, fmt.Errorf("failed to parse diff: %w", err)
	}

	for i := range files {
		src, ok := sources[files[i].Path]
		if files[i].IsDelete {
			files[i].RawOnly = true
			continue
		}

		nodes, err := a.annotate(&files[i], src, ok)
		if err != nil {
			if errors.Is(err, ErrUnsupportedLanguage) {
				log.Debug().Str("file", files[i].Path).Str("language", files[i].Language).
					Msg("no syntax parser for file, keeping raw-line hunks")
			} else {
				log.Warn().Err(err).Str("file", files[i].Path).
					Msg("syntax annotation failed, keeping raw-line hunks")
			}
			files[i].RawOnly = true
			continue
		}
		files[i].Nodes = nodes
	}

	return models.DiffChangeSet{Files: files}, nil
}

func (a *Analyzer) annotate(fc *models.FileChange, src string, haveSource bool) ([]models.SyntaxNode, error) {
	if fc.Language != "go" {
		return nil, ErrUnsupportedLanguage
	}
	if !haveSource {
		return nil, fmt.Errorf("no source snapshot for %s: %w", fc.Path, ErrUnsupportedLanguage)
	}

	decls, err := goDeclarations(fc.Path, src)
	if err != nil {
		return nil, err
	}

	touched := make(map[string]models.SyntaxNode)
	for _, h := range fc.Hunks {
		start := h.NewStartLine
		end := h.NewStartLine + h.NewLineCount - 1
		for _, d := range decls {
			if d.StartLine <= end && d.EndLine >= start {
				touched[fmt.Sprintf("%s:%d", d.Name, d.StartLine)] = d
			}
		}
	}

	nodes := make([]models.SyntaxNode, 0, len(touched))
	for _, n := range touched {
		nodes = append(nodes, n)
	}
	// Stable output order for deterministic change sets
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].StartLine != nodes[j].StartLine {
			return nodes[i].StartLine < nodes[j].StartLine
		}
		return nodes[i].Name < nodes[j].Name
	})

	return nodes, nil
}

// goDeclarations parses Go source and returns the top-level declaration
// spans (functions, methods, types) that hunks can map onto.
func goDeclarations(path, src string) ([]models.SyntaxNode, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, src, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	var nodes []models.SyntaxNode
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			kind := "func"
			name := d.Name.Name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				kind = "method"
				name = receiverName(d.Recv.List[0].Type) + "." + name
			}
			nodes = append(nodes, models.SyntaxNode{
				Kind:      kind,
				Name:      name,
				StartLine: fset.Position(d.Pos()).Line,
				EndLine:   fset.Position(d.End()).Line,
			})
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				nodes = append(nodes, models.SyntaxNode{
					Kind:      "type",
					Name:      ts.Name.Name,
					StartLine: fset.Position(spec.Pos()).Line,
					EndLine:   fset.Position(spec.End()).Line,
				})
			}
		}
	}

	return nodes, nil
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.IndexExpr:
		return receiverName(t.X)
	default:
		return "_"
	}
}
