package update

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/otaerr"
)

// Getter is the capped GET used to fetch release metadata.
type Getter interface {
	Get(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// GitHubSource fetches the latest release from a releases-latest endpoint.
type GitHubSource struct {
	URL      string
	MaxBytes int64
	Assets   AssetNames
	Getter   Getter
	Log      *zap.Logger

	now func() time.Time
}

// FetchLatest downloads and parses the latest release descriptor.
func (s *GitHubSource) FetchLatest(ctx context.Context) (ReleaseInfo, error) {
	data, err := s.Getter.Get(ctx, s.URL, s.MaxBytes)
	if err != nil {
		return ReleaseInfo{}, err
	}
	names := s.Assets
	if names.Firmware == "" || names.Secondary == "" {
		names = DefaultAssetNames
	}
	info, truncated, err := ParseRelease(data, names)
	if err != nil {
		return ReleaseInfo{}, err
	}
	if truncated && s.Log != nil {
		s.Log.Warn("release payload truncated at cap", zap.Int64("max_bytes", s.MaxBytes), zap.String("tag", info.Tag))
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	info.FetchedAt = now()
	return info, nil
}

// ParseRelease extracts tag, name, notes and the two known assets from a
// release payload, ignoring every other field. A payload cut off by the byte
// cap is accepted only when the tag and the complete assets array were read;
// truncated reports that case.
func ParseRelease(data []byte, names AssetNames) (ReleaseInfo, bool, error) {
	var rel release
	err := decodeRelease(json.NewDecoder(bytes.NewReader(data)), &rel)
	truncated := false
	if err != nil {
		cut := errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
		if !cut || rel.TagName == "" || !rel.assetsDone {
			return ReleaseInfo{}, false, otaerr.Wrap(otaerr.Protocol, "parse", "JSON parse error", err)
		}
		truncated = true
	}
	if strings.TrimSpace(rel.TagName) == "" {
		return ReleaseInfo{}, false, otaerr.New(otaerr.Protocol, "parse", "Missing tag_name")
	}

	info := ReleaseInfo{
		Tag:   NormalizeTag(rel.TagName),
		Name:  rel.Name,
		Notes: rel.Body,
	}
	for _, a := range rel.Assets {
		switch {
		case a.BrowserDownloadURL == "":
		case strings.EqualFold(a.Name, names.Firmware) && info.FirmwareURL == "":
			info.FirmwareURL = a.BrowserDownloadURL
			info.FirmwareSize = a.Size
		case strings.EqualFold(a.Name, names.Secondary) && info.SecondaryURL == "":
			info.SecondaryURL = a.BrowserDownloadURL
			info.SecondarySize = a.Size
		}
	}
	return info, truncated, nil
}

// decodeRelease walks the top-level object token by token so that unknown
// fields are skipped without being retained.
func decodeRelease(dec *json.Decoder, rel *release) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		switch key {
		case "tag_name":
			err = decodeString(dec, &rel.TagName)
		case "name":
			err = decodeString(dec, &rel.Name)
		case "body":
			err = decodeString(dec, &rel.Body)
		case "assets":
			err = decodeAssets(dec, rel)
		default:
			var skip json.RawMessage
			err = dec.Decode(&skip)
		}
		if err != nil {
			return err
		}
	}
	return expectDelim(dec, '}')
}

func decodeAssets(dec *json.Decoder, rel *release) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		rel.assetsDone = true
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("assets: expected array, got %v", tok)
	}
	for dec.More() {
		var a asset
		if err := dec.Decode(&a); err != nil {
			return err
		}
		rel.Assets = append(rel.Assets, a)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return err
	}
	rel.assetsDone = true
	return nil
}

func decodeString(dec *json.Decoder, dst *string) error {
	var s *string
	if err := dec.Decode(&s); err != nil {
		return err
	}
	if s != nil {
		*dst = *s
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}
