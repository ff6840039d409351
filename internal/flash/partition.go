// Package flash models the device's partitioned flash: a table of fixed-size
// partitions, a low-level OTA session API with a boot pointer, and a generic
// update API for data images. Writers in this package stream downloads into
// those sessions.
package flash

import (
	"strings"

	"github.com/probestation/probe-agent/internal/otaerr"
)

// Kind is the partition type.
type Kind string

const (
	KindApp  Kind = "app"
	KindData Kind = "data"
)

// Image selects the target of the generic update API.
type Image int

const (
	ImageApp Image = iota
	ImageData
)

func (i Image) String() string {
	if i == ImageData {
		return "data"
	}
	return "app"
}

// AppImageMagic is the first byte of every valid application image.
const AppImageMagic byte = 0xE9

// Partition is one entry of the partition table. ImageSize is the size of
// the committed image, zero when the partition was never written.
type Partition struct {
	Label     string `yaml:"label" json:"label"`
	Kind      Kind   `yaml:"type" json:"type"`
	Subtype   string `yaml:"subtype" json:"subtype"`
	Size      int64  `yaml:"size" json:"size"`
	ImageSize int64  `yaml:"-" json:"imageSize,omitempty"`
}

// IsOTA reports whether p is an application slot that can receive updates.
func (p Partition) IsOTA() bool {
	return p.Kind == KindApp && strings.HasPrefix(p.Subtype, "ota_")
}

// DefaultLayout mirrors a 4MB board with two application slots.
func DefaultLayout() []Partition {
	return []Partition{
		{Label: "app0", Kind: KindApp, Subtype: "ota_0", Size: 0x140000},
		{Label: "app1", Kind: KindApp, Subtype: "ota_1", Size: 0x140000},
		{Label: "spiffs", Kind: KindData, Subtype: "spiffs", Size: 0x160000},
	}
}

var (
	ErrNoUpdatePartition = otaerr.New(otaerr.Resource, "partition", "No OTA partition found")
	ErrNoDataPartition   = otaerr.New(otaerr.Resource, "partition", "No data partition found")
	ErrSessionOpen       = otaerr.New(otaerr.Busy, "partition", "write session already open")
)

// Session is an open write into one partition. Nothing is visible until End
// succeeds; Abort discards everything written.
type Session interface {
	Write(p []byte) error
	End() error
	Abort() error
}

// Table answers partition-table queries.
type Table interface {
	Running() (Partition, error)
	NextUpdate() (Partition, error)
	Data() (Partition, error)
}

// OTA is the low-level, partition-aware write API.
type OTA interface {
	Begin(p Partition) (Session, error)
	SetBoot(p Partition) error
}

// Updater is the generic update API. size is -1 when unknown. Beginning a new
// generic update aborts a stale one.
type Updater interface {
	BeginUpdate(image Image, size int64) (Session, error)
}

// Platform is the full flash surface.
type Platform interface {
	Table
	OTA
	Updater
}
