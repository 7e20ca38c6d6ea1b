package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var ErrUnknownSetting = errors.New("unknown setting")

// Persister stores the settings document as an opaque blob per scope.
type Persister interface {
	LoadSettings(ctx context.Context, scope string) ([]byte, error)
	SaveSettings(ctx context.Context, scope string, data []byte) error
}

// Store is the hierarchical settings tree for one scope. Paths are
// case-insensitive and dot separated.
type Store struct {
	mu        sync.RWMutex
	v         *viper.Viper
	persister Persister
	scope     string
	logger    *zap.Logger
}

// Open loads the document persisted for scope and merges in any missing
// default keys, persisting the result when something was added.
func Open(ctx context.Context, persister Persister, scope string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := persister.LoadSettings(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	if len(data) > 0 {
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	}

	store := &Store{v: v, persister: persister, scope: scope, logger: logger}

	added := 0
	for key, value := range defaults() {
		full := Namespace + "." + key
		if !v.IsSet(full) {
			v.Set(full, value)
			added++
		}
	}
	if added > 0 {
		if err := store.persist(ctx); err != nil {
			return nil, err
		}
		logger.Info("Captcha settings defaults applied", zap.String("scope", scope), zap.Int("keys", added))
	}
	return store, nil
}

func normalize(path string) string {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == Namespace || strings.HasPrefix(path, Namespace+".") {
		return path
	}
	return Namespace + "." + path
}

func (s *Store) Get(path string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.Get(normalize(path))
}

func (s *Store) GetString(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetString(normalize(path))
}

func (s *Store) GetStringSlice(path string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetStringSlice(normalize(path))
}

// Keys lists every leaf path of the captcha subtree, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keysLocked()
}

func (s *Store) keysLocked() []string {
	var keys []string
	for _, key := range s.v.AllKeys() {
		if strings.HasPrefix(key, Namespace+".") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// All returns the flattened captcha subtree.
func (s *Store) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[string]any)
	for _, key := range s.keysLocked() {
		values[key] = s.v.Get(key)
	}
	return values
}

// Set replaces the value at path. The path must already exist; the value is
// coerced to the type of the current value.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	full := normalize(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	known := false
	for _, key := range s.v.AllKeys() {
		if key == full {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, path)
	}

	coerced, err := coerce(s.v.Get(full), value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", full, err)
	}
	s.v.Set(full, coerced)
	return s.persist(ctx)
}

func coerce(current, value any) (any, error) {
	switch typed := current.(type) {
	case int, int32, int64, float32, float64:
		return cast.ToIntE(value)
	case bool:
		return cast.ToBoolE(value)
	case string:
		return cast.ToStringE(value)
	case []string:
		return cast.ToStringSliceE(splitList(value))
	case []int:
		return cast.ToIntSliceE(splitList(value))
	case []any:
		if len(typed) > 0 && isNumber(typed[0]) {
			return cast.ToIntSliceE(splitList(value))
		}
		return cast.ToStringSliceE(splitList(value))
	default:
		return value, nil
	}
}

func isNumber(value any) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

func splitList(value any) any {
	raw, ok := value.(string)
	if !ok {
		return value
	}
	items := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}

// Captcha decodes the subtree into its typed form.
func (s *Store) Captcha() Captcha {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Captcha
	if err := s.v.UnmarshalKey(Namespace, &c); err != nil {
		s.logger.Error("Failed to decode captcha settings", zap.Error(err))
	}
	return c
}

func (s *Store) IsOperator(memberID string) bool {
	for _, id := range s.GetStringSlice("operators") {
		if id == memberID {
			return true
		}
	}
	return false
}

// ToggleOperator flips the operator flag of memberID and reports the new
// state.
func (s *Store) ToggleOperator(ctx context.Context, memberID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Namespace + ".operators"
	current := s.v.GetStringSlice(key)
	next := make([]string, 0, len(current)+1)
	enabled := true
	for _, id := range current {
		if id == memberID {
			enabled = false
			continue
		}
		next = append(next, id)
	}
	if enabled {
		next = append(next, memberID)
	}
	s.v.Set(key, next)
	if err := s.persist(ctx); err != nil {
		return false, err
	}
	return enabled, nil
}

func (s *Store) persist(ctx context.Context) error {
	data, err := json.Marshal(s.v.AllSettings())
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.persister.SaveSettings(ctx, s.scope, data); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Format substitutes {name} placeholders with the given key/value pairs.
func Format(template string, pairs ...string) string {
	oldnew := make([]string, 0, len(pairs))
	for i := 0; i+1 < len(pairs); i += 2 {
		oldnew = append(oldnew, "{"+pairs[i]+"}", pairs[i+1])
	}
	return strings.NewReplacer(oldnew...).Replace(template)
}
