package sigma

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jnesss/filemon/database"
	"github.com/jnesss/filemon/filemon"
	"github.com/jnesss/filemon/process"
)

// Store persists rule matches.
type Store interface {
	InsertMatch(m database.Match) (int64, error)
}

// Processes resolves process context for an operation.
type Processes interface {
	Get(pid int32) (process.Info, bool)
	Parent(pid int32) (process.Info, bool)
}

// Detector evaluates Sigma rules against filemon operations. Rules are read
// from the enabled_rules directory under the rules dir and reloaded when it
// changes.
type Detector struct {
	RulesDir string

	logger  *zap.Logger
	store   Store
	procs   Processes
	watcher *fsnotify.Watcher

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
	paths      map[string]string
}

// RuleInfo describes a loaded rule.
type RuleInfo struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Level  string `json:"level"`
	Status string `json:"status"`
	File   string `json:"file"`
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Rule         sigma.Rule
	MatchDetails []string
}

func fieldConfig() sigma.Config {
	return sigma.Config{
		Title: "filemon",
		FieldMappings: map[string]sigma.FieldMapping{
			"TargetFilename":   {TargetNames: []string{"TargetFilename"}},
			"SourceFilename":   {TargetNames: []string{"SourceFilename"}},
			"Operation":        {TargetNames: []string{"Operation"}},
			"Image":            {TargetNames: []string{"Image"}},
			"ParentImage":      {TargetNames: []string{"ParentImage"}},
			"CommandLine":      {TargetNames: []string{"CommandLine"}},
			"CurrentDirectory": {TargetNames: []string{"CurrentDirectory"}},
			"User":             {TargetNames: []string{"Username"}},
			"ProcessId":        {TargetNames: []string{"ProcessId"}},
			"ParentProcessId":  {TargetNames: []string{"ParentProcessId"}},
		},
	}
}

// NewDetector loads the rules under rulesDir and starts watching them.
// procs and store may be nil.
func NewDetector(rulesDir string, procs Processes, store Store, logger *zap.Logger) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	d := &Detector{
		RulesDir:   rulesDir,
		logger:     logger,
		store:      store,
		procs:      procs,
		watcher:    watcher,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		paths:      make(map[string]string),
	}

	for _, dir := range []string{d.enabledDir(), filepath.Join(rulesDir, "disabled_rules")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if err := d.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("load rules: %w", err)
	}

	// changes in disabled_rules do not matter
	if err := watcher.Add(d.enabledDir()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", d.enabledDir(), err)
	}
	go d.watchFileChanges()

	return d, nil
}

func (d *Detector) enabledDir() string {
	return filepath.Join(d.RulesDir, "enabled_rules")
}

func (d *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				d.logger.Info("rule change detected", zap.String("file", event.Name), zap.Stringer("op", event.Op))
				if err := d.LoadRules(); err != nil {
					d.logger.Warn("reloading rules", zap.Error(err))
				}
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func isRuleFile(name string) bool {
	return strings.HasSuffix(name, ".yml") || strings.HasSuffix(name, ".yaml")
}

// LoadRules replaces the loaded rules with the ones in enabled_rules. Files
// that fail to parse are skipped.
func (d *Detector) LoadRules() error {
	entries, err := os.ReadDir(d.enabledDir())
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	paths := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		path := filepath.Join(d.enabledDir(), e.Name())
		ev, err := loadRuleFile(path)
		if err != nil {
			d.logger.Warn("skipping rule file", zap.String("file", path), zap.Error(err))
			continue
		}
		evaluators[ev.Rule.ID] = ev
		paths[ev.Rule.ID] = path
		d.logger.Debug("loaded rule", zap.String("id", ev.Rule.ID), zap.String("title", ev.Rule.Title))
	}

	d.mu.Lock()
	d.evaluators = evaluators
	d.paths = paths
	d.mu.Unlock()

	d.logger.Info("sigma rules loaded", zap.Int("count", len(evaluators)))
	return nil
}

func loadRuleFile(path string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("not a Sigma rule")
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return evaluator.ForRule(rule,
		evaluator.WithConfig(fieldConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		// aggregations need a backing store the operation stream does not have
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	), nil
}

// Rules lists the loaded rules ordered by id.
func (d *Detector) Rules() []RuleInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rules := make([]RuleInfo, 0, len(d.evaluators))
	for id, ev := range d.evaluators {
		rules = append(rules, RuleInfo{
			ID:     id,
			Title:  ev.Rule.Title,
			Level:  ev.Rule.Level,
			Status: ev.Rule.Status,
			File:   d.paths[id],
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Event builds the rule evaluation fields for a log line.
func (d *Detector) Event(l filemon.Line) map[string]interface{} {
	event := map[string]interface{}{
		"Operation":     operationName(l.Op),
		"OperationCode": string(l.Op),
		"ProcessId":     int64(l.PID),
	}

	var proc process.Info
	if d.procs != nil {
		if p, ok := d.procs.Get(l.PID); ok {
			proc = p
			event["Image"] = p.Image
			event["CommandLine"] = p.CmdLine
			event["CurrentDirectory"] = p.WorkingDir
			event["Username"] = p.Username
			event["ParentProcessId"] = int64(p.PPID)
			if p.ImageMD5 != "" {
				event["Hashes"] = "MD5=" + p.ImageMD5
			}
		}
		if parent, ok := d.procs.Parent(l.PID); ok {
			event["ParentImage"] = parent.Image
			event["ParentCommandLine"] = parent.CmdLine
		}
	}

	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || proc.WorkingDir == "" {
			return p
		}
		return filepath.Join(proc.WorkingDir, p)
	}

	switch n := len(l.Paths); {
	case n == 1:
		event["TargetFilename"] = abs(l.Paths[0])
	case n >= 2:
		event["SourceFilename"] = abs(l.Paths[0])
		event["TargetFilename"] = abs(l.Paths[n-1])
	}
	switch l.Op {
	case filemon.OpFork, filemon.OpExit:
		event["Value"] = l.Value
	}
	return event
}

func operationName(op byte) string {
	switch op {
	case filemon.OpChdir:
		return "chdir"
	case filemon.OpExec:
		return "exec"
	case filemon.OpFork:
		return "fork"
	case filemon.OpLink:
		return "link"
	case filemon.OpRead:
		return "read"
	case filemon.OpWrite:
		return "write"
	case filemon.OpAncestor:
		return "ancestor"
	case filemon.OpUnlink:
		return "unlink"
	case filemon.OpRename:
		return "rename"
	case filemon.OpExit:
		return "exit"
	}
	return string(op)
}

// CheckEvent returns every rule event matches.
func (d *Detector) CheckEvent(ctx context.Context, event map[string]interface{}) []MatchResult {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var results []MatchResult
	for _, ev := range d.evaluators {
		result, err := ev.Matches(ctx, event)
		if err != nil {
			d.logger.Warn("evaluating rule", zap.String("rule", ev.Rule.ID), zap.Error(err))
			continue
		}
		if !result.Match {
			continue
		}

		var conditions []string
		for k, v := range result.SearchResults {
			if v {
				conditions = append(conditions, k)
			}
		}
		sort.Strings(conditions)
		results = append(results, MatchResult{Rule: ev.Rule, MatchDetails: conditions})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Rule.ID < results[j].Rule.ID })
	return results
}

// Evaluate checks one stored operation and records its matches.
func (d *Detector) Evaluate(ctx context.Context, l filemon.Line, operationID int64) ([]MatchResult, error) {
	event := d.Event(l)
	matches := d.CheckEvent(ctx, event)
	if len(matches) == 0 || d.store == nil {
		return matches, nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return matches, fmt.Errorf("marshal event data: %w", err)
	}
	image, _ := event["Image"].(string)
	target, _ := event["TargetFilename"].(string)

	for _, m := range matches {
		severity := m.Rule.Level
		if severity == "" {
			severity = "medium"
		}
		_, err := d.store.InsertMatch(database.Match{
			OperationID:    operationID,
			RuleID:         m.Rule.ID,
			RuleName:       m.Rule.Title,
			Severity:       severity,
			PID:            l.PID,
			Image:          image,
			TargetFilename: target,
			MatchDetails:   m.MatchDetails,
			EventData:      string(data),
		})
		if err != nil {
			return matches, err
		}
		d.logger.Info("sigma rule matched",
			zap.String("rule", m.Rule.ID),
			zap.String("title", m.Rule.Title),
			zap.Int32("pid", l.PID),
			zap.String("target", target))
	}
	return matches, nil
}

// Close stops watching the rules directory.
func (d *Detector) Close() error {
	return d.watcher.Close()
}
