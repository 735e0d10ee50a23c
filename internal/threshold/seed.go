package threshold

import (
	"bytes"
	"context"
	_ "embed"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/model"
)

//go:embed defaults.yaml
var defaultCatalog []byte

// ActionSpec is the typed catalog entry for one action type.
type ActionSpec struct {
	ActionType  string            `yaml:"action_type"`
	Description string            `yaml:"description"`
	Thresholds  []model.Threshold `yaml:"thresholds"`
}

// Catalog is the platform action catalog with default thresholds.
type Catalog struct {
	Actions []ActionSpec `yaml:"actions"`
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadSeedFile reads a YAML catalog from path.
func LoadSeedFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "threshold: read seed file %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog. Threshold rows inherit
// their action's action_type and are always platform defaults.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, eris.Wrap(err, "threshold: parse catalog")
	}

	seenAction := make(map[string]bool)
	seenKey := make(map[model.ThresholdKey]bool)
	for i := range c.Actions {
		a := &c.Actions[i]
		if a.ActionType == "" {
			return nil, eris.Errorf("threshold: catalog action %d has no action_type", i+1)
		}
		if seenAction[a.ActionType] {
			return nil, eris.Errorf("threshold: duplicate catalog action %q", a.ActionType)
		}
		seenAction[a.ActionType] = true

		for j := range a.Thresholds {
			t := &a.Thresholds[j]
			if t.ActionType == "" {
				t.ActionType = a.ActionType
			}
			if t.ActionType != a.ActionType {
				return nil, eris.Errorf("threshold: %s listed under action %q", t.ThresholdKey, a.ActionType)
			}
			t.OrgID = nil
			if err := t.Validate(); err != nil {
				return nil, err
			}
			if seenKey[t.ThresholdKey] {
				return nil, eris.Errorf("threshold: duplicate catalog threshold %s", t.ThresholdKey)
			}
			seenKey[t.ThresholdKey] = true
		}
	}
	return &c, nil
}

// ActionTypes lists the catalog's action types in file order.
func (c *Catalog) ActionTypes() []string {
	out := make([]string, len(c.Actions))
	for i, a := range c.Actions {
		out[i] = a.ActionType
	}
	return out
}

// Thresholds flattens every catalog row.
func (c *Catalog) Thresholds() []model.Threshold {
	var out []model.Threshold
	for _, a := range c.Actions {
		out = append(out, a.Thresholds...)
	}
	return out
}

// Seed bulk-upserts the catalog's platform defaults.
func Seed(ctx context.Context, pool db.Pool, c *Catalog) (int64, error) {
	now := time.Now().UTC()
	thresholds := c.Thresholds()
	rows := make([][]any, 0, len(thresholds))
	for _, t := range thresholds {
		t.ID = uuid.New().String()
		rows = append(rows, row(t, now))
	}

	n, err := db.BulkUpsert(ctx, pool, db.UpsertConfig{
		Table:        "autopilot_thresholds",
		Columns:      Columns,
		ConflictKeys: []string{"org_id", "action_type", "from_tier", "to_tier"},
		UpdateCols: []string{
			"min_signals", "min_clean_approval_rate", "max_rejection_rate", "max_undo_rate",
			"min_days_active", "min_confidence_score", "last_n_clean",
			"enabled", "never_promote", "requires_admin_approval", "updated_at",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "threshold: seed")
	}

	zap.L().Info("threshold: seeded platform defaults",
		zap.Int("actions", len(c.Actions)),
		zap.Int64("rows", n),
	)
	return n, nil
}
