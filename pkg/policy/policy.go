package policy

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/recollect/pkg/model"
	"github.com/m-mizutani/recollect/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

//go:embed default.rego
var defaultPolicy string

const (
	queryDeny       = "data.knowledge.deny"
	queryCategories = "data.knowledge.categories"
)

// Checker decides whether a document may enter the knowledge base. Rules live
// in the Rego package "knowledge": a "deny" set of messages and an optional
// "categories" set used to describe the taxonomy.
type Checker struct {
	deny       *rego.PreparedEvalQuery
	categories []model.Category
}

// Option configures Checker
type Option func(*options)

type options struct {
	policyDir string
}

// WithPolicyDir loads every .rego file under dir instead of the built-in policy
func WithPolicyDir(dir string) Option {
	return func(o *options) {
		o.policyDir = dir
	}
}

// printHook routes Rego print() to the debug log
type printHook struct {
	ctx context.Context
}

func (h *printHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// New loads and prepares the admission policy
func New(ctx context.Context, opts ...Option) (*Checker, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	modules, err := loadModules(o.policyDir)
	if err != nil {
		return nil, err
	}

	deny, err := prepareQuery(ctx, modules, queryDeny)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare deny query")
	}

	catQuery, err := prepareQuery(ctx, modules, queryCategories)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare categories query")
	}
	categories, err := evalStrings(ctx, catQuery, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate categories")
	}

	checker := &Checker{deny: deny}
	for _, c := range categories {
		checker.categories = append(checker.categories, model.Category(c))
	}
	return checker, nil
}

// loadModules reads the policy directory, or the built-in policy when dir is empty
func loadModules(dir string) ([]func(*rego.Rego), error) {
	if dir == "" {
		return []func(*rego.Rego){rego.Module("default.rego", defaultPolicy)}, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return nil, goerr.Wrap(model.ErrConfigurationMissing, "no policy file in directory", goerr.V("dir", dir))
	}

	modules := make([]func(*rego.Rego), 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		modules = append(modules, rego.Module(file, string(data)))
	}
	return modules, nil
}

func prepareQuery(ctx context.Context, modules []func(*rego.Rego), query string) (*rego.PreparedEvalQuery, error) {
	options := make([]func(*rego.Rego), 0, len(modules)+1)
	options = append(options, rego.Query(query))
	options = append(options, modules...)

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare query", goerr.V("query", query))
	}
	return &prepared, nil
}

// evalStrings evaluates a query whose value is a set or array of strings. An
// undefined result yields nil.
func evalStrings(ctx context.Context, query *rego.PreparedEvalQuery, input any) ([]string, error) {
	evalOpts := []rego.EvalOption{rego.EvalPrintHook(&printHook{ctx: ctx})}
	if input != nil {
		evalOpts = append(evalOpts, rego.EvalInput(input))
	}

	rs, err := query.Eval(ctx, evalOpts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	values, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, goerr.New("policy result is not a set", goerr.V("value", rs[0].Expressions[0].Value))
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, goerr.New("policy result element is not a string", goerr.V("value", v))
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Check returns model.ErrPolicyDenied with every reason when a deny rule fires
func (x *Checker) Check(ctx context.Context, doc *model.Document) error {
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	input := map[string]any{
		"title":    doc.Title,
		"content":  doc.Content,
		"category": string(doc.Category),
		"tags":     tags,
	}

	reasons, err := evalStrings(ctx, x.deny, input)
	if err != nil {
		return goerr.Wrap(err, "failed to check document", goerr.V("title", doc.Title))
	}
	if len(reasons) > 0 {
		logging.From(ctx).Warn("document denied by policy", "title", doc.Title, "reasons", reasons)
		return goerr.Wrap(model.ErrPolicyDenied, strings.Join(reasons, "; "),
			goerr.V("title", doc.Title),
			goerr.V("category", doc.Category))
	}
	return nil
}

// Categories returns the taxonomy declared by the policy, or nil when the
// policy declares none
func (x *Checker) Categories() []model.Category {
	return x.categories
}
