package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"

	"loadplan/internal/plan"
	"loadplan/internal/rowcache"
	"loadplan/internal/schemamap"
	"loadplan/internal/selection"
	"loadplan/internal/sqlstore"
)

// addTypeQueries adds the list and by-identity root fields of td.
func (r *Resolver) addTypeQueries(fields graphql.Fields, td *schemamap.TypeDescriptor, obj *graphql.Object) {
	listArgs := r.sliceArgs()
	if len(td.IdentityKey) == 1 {
		if fd, ok := td.ScalarByColumn(td.IdentityKey[0]); ok {
			listArgs[idsArg] = &graphql.ArgumentConfig{
				Type:        graphql.NewList(graphql.NewNonNull(r.scalarBase(fd.ScalarType))),
				Description: fmt.Sprintf("Only rows whose %s is one of these values.", fd.Name),
			}
		}
	}
	listName := r.namer.RegisterQueryField(r.namer.ListFieldName(td.Table), td.Table)
	fields[listName] = &graphql.Field{
		Type:        graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(obj))),
		Args:        listArgs,
		Resolve:     r.makeListResolver(td),
		Description: fmt.Sprintf("List %s rows ordered by identity.", td.Table),
	}

	args := graphql.FieldConfigArgument{}
	for _, col := range td.IdentityKey {
		fd, ok := td.ScalarByColumn(col)
		if !ok {
			return
		}
		args[fd.Name] = &graphql.ArgumentConfig{Type: graphql.NewNonNull(r.scalarBase(fd.ScalarType))}
	}
	args[requiredArg] = &graphql.ArgumentConfig{
		Type:         graphql.Boolean,
		DefaultValue: false,
		Description:  "Fail with a not found error instead of returning null.",
	}
	singleName := r.namer.RegisterQueryField(r.namer.SingleFieldName(td.Table), td.Table)
	fields[singleName] = &graphql.Field{
		Type:        obj,
		Args:        args,
		Resolve:     r.makeSingleRowResolver(td),
		Description: fmt.Sprintf("Look up one %s row by its identity.", td.Table),
	}
}

const (
	idsArg      = "ids"
	requiredArg = "required"
)

// ErrNotFound is wrapped by lookups made with required: true that match no row.
var ErrNotFound = errors.New("not found")

// addInterfaceQuery adds a root listing every implementer of an interface.
func (r *Resolver) addInterfaceQuery(fields graphql.Fields, name string) {
	if len(r.registry.PossibleTypes(name)) == 0 {
		return
	}
	desc := fmt.Sprintf("List every %s ordered by type name, then identity. "+
		"limit and offset apply to the combined list.", name)
	fields["all"+name] = &graphql.Field{
		Type:        graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(r.interfaceType(name)))),
		Args:        r.sliceArgs(),
		Resolve:     r.makeInterfaceResolver(name),
		Description: desc,
	}
}

func (r *Resolver) makeListResolver(td *schemamap.TypeDescriptor) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (result interface{}, err error) {
		ctx, span := startSpan(p.Context, "graphql.resolve.list", td.Name)
		defer func() { span.end(err) }()

		rq := sqlstore.RootQuery{Slice: r.rootSlice(p.Args)}
		if raw, ok := p.Args[idsArg]; ok && raw != nil {
			ids, _ := raw.([]interface{})
			if len(ids) == 0 {
				return []*rowcache.Record{}, nil
			}
			rq.Where = map[string]any{td.IdentityKey[0]: ids}
		}

		lp, err := r.planRoot(ctx, p, td.Name)
		if err != nil {
			return nil, err
		}
		ctx, cache := r.cache(ctx)
		records, err := r.store.Load(ctx, cache, lp, rq)
		if err != nil {
			return nil, normalizeQueryError(err)
		}
		span.setRows(len(records))
		return records, nil
	}
}

func (r *Resolver) makeSingleRowResolver(td *schemamap.TypeDescriptor) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (result interface{}, err error) {
		ctx, span := startSpan(p.Context, "graphql.resolve.single", td.Name)
		defer func() { span.end(err) }()

		where := make(map[string]any, len(td.IdentityKey))
		key := make([]string, 0, len(td.IdentityKey))
		for _, col := range td.IdentityKey {
			fd, ok := td.ScalarByColumn(col)
			if !ok {
				return nil, fmt.Errorf("%s identity column %s has no field", td.Name, col)
			}
			value, ok := p.Args[fd.Name]
			if !ok {
				return nil, fmt.Errorf("missing argument %s", fd.Name)
			}
			where[col] = value
			key = append(key, fmt.Sprintf("%s %v", fd.Name, value))
		}

		lp, err := r.planRoot(ctx, p, td.Name)
		if err != nil {
			return nil, err
		}
		ctx, cache := r.cache(ctx)
		records, err := r.store.Load(ctx, cache, lp, sqlstore.RootQuery{Where: where, Slice: plan.NewSliceSpec(0, 1)})
		if err != nil {
			return nil, normalizeQueryError(err)
		}
		span.setRows(len(records))
		if len(records) == 0 {
			if required, _ := p.Args[requiredArg].(bool); required {
				return nil, fmt.Errorf("%s with %s: %w", td.Name, strings.Join(key, ", "), ErrNotFound)
			}
			return nil, nil
		}
		return records[0], nil
	}
}

// makeInterfaceResolver plans each implementer with its own variant of the
// selection and loads them one after another, in type name order. The window
// covers the combined list, so each load asks only for the rows still
// missing from it and later implementers are skipped once it is full.
func (r *Resolver) makeInterfaceResolver(name string) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (result interface{}, err error) {
		ctx, span := startSpan(p.Context, "graphql.resolve.interface", name)
		defer func() { span.end(err) }()

		plans := make(map[string]*plan.LoadPlan)
		if r.optimize {
			variants, err := r.normalizer.NormalizeVariants(selection.InputFromResolveInfo(p.Info, name))
			if err != nil {
				return nil, err
			}
			for typeName, node := range variants {
				lp, err := r.buildPlan(ctx, typeName, node)
				if err != nil {
					return nil, err
				}
				plans[typeName] = lp
			}
		} else {
			for _, typeName := range r.registry.PossibleTypes(name) {
				lp, err := r.builder.Unoptimized(typeName)
				if err != nil {
					return nil, err
				}
				plans[typeName] = lp
			}
		}

		ctx, cache := r.cache(ctx)
		window := r.rootSlice(p.Args)
		out := []*rowcache.Record{}
		for _, typeName := range sortedKeys(plans) {
			need := -1
			if window.Limit != nil {
				need = window.Offset + *window.Limit - len(out)
				if need <= 0 {
					break
				}
			}
			records, err := r.store.Load(ctx, cache, plans[typeName], sqlstore.RootQuery{Slice: plan.NewSliceSpec(0, need)})
			if err != nil {
				return nil, normalizeQueryError(err)
			}
			out = append(out, records...)
		}
		out = applyWindow(out, window)
		span.setRows(len(out))
		return out, nil
	}
}

func applyWindow(records []*rowcache.Record, window *plan.SliceSpec) []*rowcache.Record {
	if window.Offset >= len(records) {
		return []*rowcache.Record{}
	}
	records = records[window.Offset:]
	if window.Limit != nil && *window.Limit < len(records) {
		records = records[:*window.Limit]
	}
	return records
}

// rootSlice reads limit and offset, falling back to the default list limit.
func (r *Resolver) rootSlice(args map[string]interface{}) *plan.SliceSpec {
	limit, ok := optionalIntArg(args, "limit")
	if !ok {
		limit = r.defaultLimit
	}
	offset, _ := optionalIntArg(args, "offset")
	return plan.NewSliceSpec(offset, limit)
}

func optionalIntArg(args map[string]interface{}, key string) (int, bool) {
	value, ok := args[key]
	if !ok || value == nil {
		return 0, false
	}
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
