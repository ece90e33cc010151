// Package db is the embeddable database facade: it owns the storage engine,
// runs scripts through the full pipeline (parse, normalize, stratify, magic
// rewrite, compile, evaluate, mutate), tracks running queries for ::kill,
// caches parsed programs, and dispatches change callbacks after commits.
package db

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"strata/internal/algebra"
	"strata/internal/core"
	"strata/internal/eval"
	"strata/internal/expr"
	"strata/internal/parser"
	"strata/internal/program"
	"strata/internal/store"
)

const defaultProgramCacheSize = 256

// Database is an embeddable instance. It is safe for concurrent use; every
// script runs on its own transaction.
type Database struct {
	engine    *store.Engine
	progCache *lru.Cache[string, *parser.Script]

	mu      sync.Mutex
	running map[string]*runningQuery

	cbMu      sync.Mutex
	nextSubID uint64
	subs      map[uint64]*callbackSub
}

type runningQuery struct {
	id      string
	started time.Time
	poison  core.Poison
}

type callbackSub struct {
	id       uint64
	relation string
	ch       chan eval.CallbackEvent
}

// Open opens (or creates) a database directory.
func Open(path string) (*Database, error) {
	eng, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	return wrap(eng)
}

// OpenInMemory backs the database with memory only.
func OpenInMemory() (*Database, error) {
	eng, err := store.OpenInMemory()
	if err != nil {
		return nil, err
	}
	return wrap(eng)
}

func wrap(eng *store.Engine) (*Database, error) {
	cache, err := lru.New[string, *parser.Script](defaultProgramCacheSize)
	if err != nil {
		return nil, err
	}
	return &Database{
		engine:    eng,
		progCache: cache,
		running:   map[string]*runningQuery{},
		subs:      map[uint64]*callbackSub{},
	}, nil
}

// Close shuts the storage engine down.
func (d *Database) Close() error { return d.engine.Close() }

// parseScript parses with a cache for parameter-free scripts.
func (d *Database) parseScript(src string, params map[string]core.Value) (*parser.Script, error) {
	if len(params) == 0 {
		if cached, ok := d.progCache.Get(src); ok {
			return cached, nil
		}
	}
	script, err := parser.Parse(src, params)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 && script.Query != nil {
		d.progCache.Add(src, script)
	}
	return script, nil
}

// RunScript executes one script and returns its rows. Queries with a store
// clause return a status row unless :returning is given.
func (d *Database) RunScript(src string, params map[string]core.Value) (eval.NamedRows, error) {
	script, err := d.parseScript(src, params)
	if err != nil {
		return eval.NamedRows{}, err
	}
	if script.SysOp != nil {
		return d.runSysOp(script.SysOp)
	}
	return d.runQueryScript(script.Query)
}

func (d *Database) runQueryScript(prog *program.InputProgram) (eval.NamedRows, error) {
	writable := prog.Options.Store != nil
	tx, err := d.engine.NewTx(writable)
	if err != nil {
		return eval.NamedRows{}, err
	}
	defer tx.Discard()

	poison := core.NewPoison()
	if prog.Options.TimeoutSecs > 0 {
		stop := poison.KillAfter(time.Duration(prog.Options.TimeoutSecs * float64(time.Second)))
		defer stop()
	}
	queryID := uuid.NewString()
	d.registerRunning(queryID, poison)
	defer d.unregisterRunning(queryID)

	curVld := core.ValidityAt(time.Now())
	collector := &eval.CallbackCollector{}
	env := &eval.MutateEnv{
		CurVld:            curVld,
		CallbackTargets:   d.callbackTargets(),
		Collector:         collector,
		PropagateTriggers: true,
		RunScript:         d.triggerRunner(curVld, poison, collector),
	}

	result, err := d.execQuery(tx, prog, curVld, poison, env)
	if err != nil {
		return eval.NamedRows{}, err
	}

	if writable || prog.Options.Store != nil {
		if err := tx.Commit(); err != nil {
			return eval.NamedRows{}, err
		}
		d.dispatchCallbacks(collector)
	}

	if prog.Options.SleepSecs > 0 {
		time.Sleep(time.Duration(prog.Options.SleepSecs * float64(time.Second)))
	}

	if prog.Options.Store != nil && !prog.Options.Returning {
		return statusRows("OK"), nil
	}
	return result, nil
}

// execQuery runs the full pipeline against an open transaction and applies
// the store clause; trigger scripts re-enter here with propagation disabled.
func (d *Database) execQuery(tx *store.Tx, prog *program.InputProgram, curVld core.Validity, poison core.Poison, env *eval.MutateEnv) (eval.NamedRows, error) {
	result, err := d.evalProgram(tx, prog, curVld, poison)
	if err != nil {
		return eval.NamedRows{}, err
	}
	if prog.Options.Store != nil {
		if err := eval.ExecuteRelation(tx, result, prog.Options.Store, env); err != nil {
			return eval.NamedRows{}, err
		}
	}
	return result, nil
}

// evalProgram lowers and evaluates a query program, without mutation.
func (d *Database) evalProgram(tx *store.Tx, prog *program.InputProgram, curVld core.Validity, poison core.Poison) (eval.NamedRows, error) {
	headers, err := prog.EntryHeadVars()
	if err != nil {
		return eval.NamedRows{}, err
	}
	compiled, err := d.compileProgram(tx, prog, curVld)
	if err != nil {
		return eval.NamedRows{}, err
	}
	entry, _, err := eval.Evaluate(tx, compiled, poison)
	if err != nil {
		return eval.NamedRows{}, err
	}
	return eval.ShapeResult(entry, headers, prog.Options)
}

func (d *Database) compileProgram(tx *store.Tx, prog *program.InputProgram, curVld core.Validity) ([]*algebra.CompiledStratum, error) {
	np, err := program.Normalize(prog, &txResolver{tx: tx}, curVld)
	if err != nil {
		return nil, err
	}
	sp, err := program.Stratify(np, prog.Options)
	if err != nil {
		return nil, err
	}
	mp, err := program.MagicRewrite(sp)
	if err != nil {
		return nil, err
	}
	return algebra.Compile(tx, mp)
}

// txResolver adapts the storage transaction for normalization.
type txResolver struct{ tx *store.Tx }

func (r *txResolver) RelationColumns(name string) ([]string, error) {
	meta, err := r.tx.GetRelation(name)
	if err != nil {
		return nil, err
	}
	return meta.ColumnNames(), nil
}

func (r *txResolver) RelationSupportsValidity(name string) (bool, error) {
	meta, err := r.tx.GetRelation(name)
	if err != nil {
		return false, err
	}
	return meta.SupportsValidity(), nil
}

// triggerRunner executes trigger scripts inside the firing transaction,
// injecting the `_new` / `_old` tuple sets and keeping further trigger
// propagation off so a trigger cannot fire itself transitively.
func (d *Database) triggerRunner(curVld core.Validity, poison core.Poison, collector *eval.CallbackCollector) eval.ScriptRunner {
	return func(tx *store.Tx, script string, consts map[string]eval.ConstRule) error {
		parsed, err := parser.Parse(script, nil)
		if err != nil {
			return fmt.Errorf("parsing trigger script: %w", err)
		}
		if parsed.Query == nil {
			return fmt.Errorf("a trigger must be a query, not a system op")
		}
		prog := parsed.Query
		for name, cr := range consts {
			injectConstRule(prog, name, cr)
		}
		env := &eval.MutateEnv{
			CurVld:            curVld,
			CallbackTargets:   d.callbackTargets(),
			Collector:         collector,
			PropagateTriggers: false,
			RunScript: func(*store.Tx, string, map[string]eval.ConstRule) error {
				return fmt.Errorf("trigger propagation is disabled inside trigger scripts")
			},
		}
		_, err = d.execQuery(tx, prog, curVld, poison, env)
		return err
	}
}

// injectConstRule adds (or overrides) a constant rule holding kv-bound
// tuples.
func injectConstRule(prog *program.InputProgram, name string, cr eval.ConstRule) {
	rows := make([]core.Value, len(cr.Rows))
	for i, r := range cr.Rows {
		rows[i] = core.List(r)
	}
	head := make([]core.Symbol, len(cr.Bindings))
	for i, b := range cr.Bindings {
		head[i] = core.Sym(b, core.Span{})
	}
	fixed := &program.FixedApply{
		Name:    "Constant",
		Options: map[string]expr.Expr{"data": expr.NewConst(core.List(rows))},
		Head:    head,
		Arity:   len(head),
	}
	if _, exists := prog.Rules[name]; !exists {
		prog.Order = append(prog.Order, name)
	}
	prog.Rules[name] = &program.InputRuleSet{Fixed: fixed}
}

// ---- running queries ----

func (d *Database) registerRunning(id string, poison core.Poison) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[id] = &runningQuery{id: id, started: time.Now(), poison: poison}
}

func (d *Database) unregisterRunning(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, id)
}

// RunningQueries lists ids and start times of in-flight queries.
func (d *Database) RunningQueries() eval.NamedRows {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := eval.NamedRows{Headers: []string{"id", "started_at"}}
	ids := make([]string, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		q := d.running[id]
		out.Rows = append(out.Rows, core.Tuple{
			core.Str(q.id),
			core.Str(q.started.Format(time.RFC3339Nano)),
		})
	}
	return out
}

// Kill poisons a running query; it reports whether the id was found.
func (d *Database) Kill(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.running[id]
	if ok {
		q.poison.Kill()
	}
	return ok
}

// ---- change callbacks ----

const callbackBuffer = 256

// RegisterCallback subscribes to committed mutations of a relation. Events
// are dropped if the subscriber falls more than the buffer behind.
func (d *Database) RegisterCallback(relation string) (uint64, <-chan eval.CallbackEvent) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.nextSubID++
	sub := &callbackSub{
		id:       d.nextSubID,
		relation: relation,
		ch:       make(chan eval.CallbackEvent, callbackBuffer),
	}
	d.subs[sub.id] = sub
	return sub.id, sub.ch
}

// UnregisterCallback removes a subscription and closes its channel.
func (d *Database) UnregisterCallback(id uint64) bool {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	sub, ok := d.subs[id]
	if ok {
		delete(d.subs, id)
		close(sub.ch)
	}
	return ok
}

func (d *Database) callbackTargets() map[string]bool {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	out := map[string]bool{}
	for _, sub := range d.subs {
		out[sub.relation] = true
	}
	return out
}

func (d *Database) dispatchCallbacks(collector *eval.CallbackCollector) {
	if len(collector.Events) == 0 {
		return
	}
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	for _, ev := range collector.Events {
		for _, sub := range d.subs {
			if sub.relation != ev.Relation {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

func statusRows(status string) eval.NamedRows {
	return eval.NamedRows{
		Headers: []string{"status"},
		Rows:    []core.Tuple{{core.Str(status)}},
	}
}
