package flash

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/probestation/probe-agent/internal/otaerr"
)

const (
	tableFile   = "partitions.yaml"
	otadataFile = "otadata.yaml"
)

// ImageRecord describes a committed image.
type ImageRecord struct {
	Size      int64     `yaml:"size" json:"size"`
	Digest    string    `yaml:"digest" json:"digest"`
	WrittenAt time.Time `yaml:"written_at" json:"writtenAt"`
}

type otaData struct {
	Boot   string                 `yaml:"boot"`
	Images map[string]ImageRecord `yaml:"images,omitempty"`
}

type tableDoc struct {
	Partitions []Partition `yaml:"partitions"`
}

// Store is a directory-backed Platform. Images live in <label>.bin and are
// written through <label>.bin.part, renamed only when a session ends cleanly.
// The running partition is the boot partition at Open time; SetBoot changes
// what the next Open will run.
type Store struct {
	dir   string
	magic byte
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	table   []Partition
	data    otaData
	running string
	active  *fileSession
}

// Init writes a fresh partition table and boot pointer into dir. Existing
// images are left alone unless force is set, in which case they are removed.
func Init(dir string, layout []Partition, force bool) error {
	if len(layout) == 0 {
		layout = DefaultLayout()
	}
	if err := validateLayout(layout); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, tableFile)); err == nil && !force {
		return fmt.Errorf("flash store already initialised at %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if force {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.bin*"))
		for _, m := range matches {
			_ = os.Remove(m)
		}
	}
	if err := writeYAML(filepath.Join(dir, tableFile), tableDoc{Partitions: layout}); err != nil {
		return err
	}
	boot := ""
	for _, p := range layout {
		if p.IsOTA() {
			boot = p.Label
			break
		}
	}
	return writeYAML(filepath.Join(dir, otadataFile), otaData{Boot: boot})
}

func validateLayout(layout []Partition) error {
	seen := map[string]bool{}
	apps := 0
	for _, p := range layout {
		if p.Label == "" || p.Size <= 0 {
			return fmt.Errorf("invalid partition %+v", p)
		}
		if seen[p.Label] {
			return fmt.Errorf("duplicate partition label %q", p.Label)
		}
		seen[p.Label] = true
		if p.IsOTA() {
			apps++
		}
	}
	if apps == 0 {
		return errors.New("layout has no OTA application partition")
	}
	return nil
}

// Open loads the store in dir.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{dir: dir, magic: AppImageMagic, log: log, now: time.Now}

	var doc tableDoc
	if err := readYAML(filepath.Join(dir, tableFile), &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no partition table in %s (run 'probe-agent flash init')", dir)
		}
		return nil, err
	}
	if err := validateLayout(doc.Partitions); err != nil {
		return nil, err
	}
	s.table = doc.Partitions

	if err := readYAML(filepath.Join(dir, otadataFile), &s.data); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if s.data.Images == nil {
		s.data.Images = map[string]ImageRecord{}
	}
	if _, ok := s.find(s.data.Boot); !ok {
		for _, p := range s.table {
			if p.IsOTA() {
				s.data.Boot = p.Label
				break
			}
		}
	}
	s.running = s.data.Boot
	return s, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) find(label string) (Partition, bool) {
	for _, p := range s.table {
		if p.Label == label {
			p.ImageSize = s.data.Images[label].Size
			return p, true
		}
	}
	return Partition{}, false
}

func (s *Store) Running() (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.find(s.running)
	if !ok {
		return Partition{}, fmt.Errorf("running partition %q not in table", s.running)
	}
	return p, nil
}

func (s *Store) NextUpdate() (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextUpdate()
}

func (s *Store) nextUpdate() (Partition, error) {
	for _, p := range s.table {
		if p.IsOTA() && p.Label != s.running {
			q, _ := s.find(p.Label)
			return q, nil
		}
	}
	return Partition{}, ErrNoUpdatePartition
}

func (s *Store) Data() (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataPartition()
}

func (s *Store) dataPartition() (Partition, error) {
	for _, p := range s.table {
		if p.Kind == KindData {
			q, _ := s.find(p.Label)
			return q, nil
		}
	}
	return Partition{}, ErrNoDataPartition
}

// Partitions returns the table with committed image sizes.
func (s *Store) Partitions() []Partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Partition, 0, len(s.table))
	for _, p := range s.table {
		q, _ := s.find(p.Label)
		out = append(out, q)
	}
	return out
}

// Boot returns the label the next start will run.
func (s *Store) Boot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Boot
}

// Images returns committed image records keyed by label.
func (s *Store) Images() map[string]ImageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ImageRecord, len(s.data.Images))
	for k, v := range s.data.Images {
		out[k] = v
	}
	return out
}

// Labels returns the image labels in sorted order.
func Labels(images map[string]ImageRecord) []string {
	labels := make([]string, 0, len(images))
	for k := range images {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels
}

// Begin opens a session on an inactive application partition.
func (s *Store) Begin(p Partition) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrSessionOpen
	}
	target, ok := s.find(p.Label)
	if !ok || !target.IsOTA() {
		return nil, otaerr.Newf(otaerr.Precondition, "begin", "partition %q is not an OTA slot", p.Label)
	}
	if target.Label == s.running {
		return nil, otaerr.Newf(otaerr.Precondition, "begin", "partition %q is running", p.Label)
	}
	return s.open(target, -1, false)
}

// BeginUpdate opens a generic session. A previous generic session still open
// is aborted first.
func (s *Store) BeginUpdate(image Image, size int64) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		if !s.active.generic {
			return nil, ErrSessionOpen
		}
		s.log.Warn("aborting stale update session", zap.String("partition", s.active.part.Label))
		s.active.abortLocked()
	}

	var (
		target Partition
		err    error
	)
	if image == ImageData {
		target, err = s.dataPartition()
	} else {
		target, err = s.nextUpdate()
	}
	if err != nil {
		return nil, err
	}
	if size > target.Size {
		return nil, otaerr.Newf(otaerr.Resource, "begin", "image of %d bytes does not fit partition %s (%d bytes)", size, target.Label, target.Size)
	}
	return s.open(target, size, true)
}

func (s *Store) open(p Partition, declared int64, generic bool) (Session, error) {
	tmp := filepath.Join(s.dir, p.Label+".bin.part")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, otaerr.Wrap(otaerr.Resource, "begin", "cannot open partition", err)
	}
	sess := newFileSession(s, p, f, tmp, declared, generic)
	s.active = sess
	s.log.Debug("write session opened", zap.String("partition", p.Label), zap.Int64("declared", declared))
	return sess, nil
}

// SetBoot points the boot pointer at p, which must hold a committed image.
func (s *Store) SetBoot(p Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.find(p.Label)
	if !ok || target.Kind != KindApp {
		return otaerr.Newf(otaerr.Precondition, "set_boot", "partition %q is not bootable", p.Label)
	}
	if _, ok := s.data.Images[p.Label]; !ok {
		return otaerr.Newf(otaerr.Precondition, "set_boot", "partition %q has no committed image", p.Label)
	}
	prev := s.data.Boot
	s.data.Boot = p.Label
	if err := writeYAML(filepath.Join(s.dir, otadataFile), s.data); err != nil {
		s.data.Boot = prev
		return err
	}
	s.log.Info("boot partition set", zap.String("partition", p.Label))
	return nil
}

// commit is called by a session that validated cleanly.
func (s *Store) commit(sess *fileSession, rec ImageRecord) error {
	final := filepath.Join(s.dir, sess.part.Label+".bin")
	if err := os.Rename(sess.tmp, final); err != nil {
		return otaerr.Wrap(otaerr.Resource, "end", "commit failed", err)
	}
	s.data.Images[sess.part.Label] = rec
	return writeYAML(filepath.Join(s.dir, otadataFile), s.data)
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeYAML replaces path atomically.
func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
