package update

import "time"

// AssetNames is the fixed naming convention for release assets.
type AssetNames struct {
	Firmware  string
	Secondary string
}

// DefaultAssetNames matches the published release layout.
var DefaultAssetNames = AssetNames{Firmware: "firmware.bin", Secondary: "spiffs.bin"}

// ReleaseInfo is the cached descriptor of the latest release. It is built
// wholesale by one fetch and never mutated afterwards.
type ReleaseInfo struct {
	Tag           string    `json:"tag" yaml:"tag"`
	Name          string    `json:"name" yaml:"name"`
	Notes         string    `json:"notes,omitempty" yaml:"notes,omitempty"`
	FirmwareURL   string    `json:"firmwareUrl,omitempty" yaml:"firmware_url,omitempty"`
	FirmwareSize  int64     `json:"firmwareSize,omitempty" yaml:"firmware_size,omitempty"`
	SecondaryURL  string    `json:"secondaryUrl,omitempty" yaml:"secondary_url,omitempty"`
	SecondarySize int64     `json:"secondarySize,omitempty" yaml:"secondary_size,omitempty"`
	FetchedAt     time.Time `json:"fetchedAt" yaml:"fetched_at"`
}

// Empty reports whether no fetch has succeeded yet.
func (r ReleaseInfo) Empty() bool { return r.Tag == "" }

func (r ReleaseInfo) HasFirmware() bool  { return r.FirmwareURL != "" }
func (r ReleaseInfo) HasSecondary() bool { return r.SecondaryURL != "" }

// release is the filtered view of a releases-latest payload.
type release struct {
	TagName string
	Name    string
	Body    string
	Assets  []asset

	// assetsDone is set once the closing ']' of the assets array was read.
	assetsDone bool
}

type asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}
