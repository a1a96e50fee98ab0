package scope

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/OpenTraceLab/OpenTraceScope/pkg/visa"
)

// FileEntry is one name from a directory listing.
type FileEntry struct {
	Name     string
	Eligible bool
}

// Listing is a parsed directory listing. Entries keep the instrument's order
// and spelling.
type Listing struct {
	Raw     string
	Entries []FileEntry
	NoFiles bool
}

// Eligible returns the entries that matched the extension filter.
func (l Listing) Eligible() []FileEntry {
	var out []FileEntry
	for _, e := range l.Entries {
		if e.Eligible {
			out = append(out, e)
		}
	}
	return out
}

// Names returns the eligible names.
func (l Listing) Names() []string {
	var names []string
	for _, e := range l.Eligible() {
		names = append(names, e.Name)
	}
	return names
}

// ParseListing splits a FILESystem:DIR? response. Separators may be ',' or
// ';' and names may be quoted. Names are marked eligible when they end in ext,
// ignoring case; an empty ext accepts everything. Blank and repeated names
// are dropped. An empty or "" response yields NoFiles.
func ParseListing(raw, ext string) Listing {
	listing := Listing{Raw: raw}

	body := strings.ReplaceAll(strings.TrimSpace(raw), `"`, "")
	body = strings.ReplaceAll(body, ";", ",")
	if strings.TrimSpace(body) == "" {
		listing.NoFiles = true
		return listing
	}

	ext = NormalizeExtension(ext)
	seen := make(map[string]struct{})
	for _, token := range strings.Split(body, ",") {
		name := strings.TrimSpace(token)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		listing.Entries = append(listing.Entries, FileEntry{
			Name:     name,
			Eligible: ext == "" || strings.HasSuffix(strings.ToLower(name), ext),
		})
	}
	if len(listing.Entries) == 0 {
		listing.NoFiles = true
	}
	return listing
}

// CatalogReader lists a directory on the instrument.
type CatalogReader struct {
	session *visa.Session
	cfg     Config
	clock   Clock
	logger  *logrus.Entry
}

func NewCatalogReader(session *visa.Session, cfg Config, clock Clock) *CatalogReader {
	if clock == nil {
		clock = SystemClock{}
	}
	return &CatalogReader{
		session: session,
		cfg:     cfg,
		clock:   clock,
		logger:  logrus.WithField("component", "FileCatalogReader"),
	}
}

// List changes the instrument's working directory to remoteDir and parses its
// listing with the configured extension filter. The listing is read under
// ListingTimeout; the previous timeout is restored afterwards.
func (c *CatalogReader) List(ctx context.Context, remoteDir string) (Listing, error) {
	log := c.logger.WithField("dir", remoteDir)

	if err := c.session.Write(fmt.Sprintf(`FILESystem:CWD "%s"`, remoteDir)); err != nil {
		return Listing{}, fmt.Errorf("scope: change directory to %s: %w", remoteDir, err)
	}
	if _, err := c.session.Query("*OPC?"); err != nil {
		if visa.IsDisconnected(err) {
			return Listing{}, fmt.Errorf("scope: change directory to %s: %w", remoteDir, err)
		}
		log.WithError(err).Debug("Operation-complete query failed, waiting instead")
		if err := c.clock.Sleep(ctx, c.cfg.CWDSettle.Duration); err != nil {
			return Listing{}, err
		}
	}

	var raw string
	err := c.session.WithTimeout(c.cfg.ListingTimeout.Duration, func() error {
		if err := c.session.Write("FILESystem:DIR?"); err != nil {
			return err
		}
		if err := c.clock.Sleep(ctx, c.cfg.ListingSettle.Duration); err != nil {
			return err
		}
		var err error
		raw, err = c.session.Read()
		return err
	})
	if err != nil {
		return Listing{}, fmt.Errorf("scope: read directory %s: %w", remoteDir, err)
	}

	listing := ParseListing(raw, c.cfg.Extension)
	if listing.NoFiles {
		log.Info("No files found")
		return listing, nil
	}
	log.WithFields(logrus.Fields{
		"entries":  len(listing.Entries),
		"eligible": len(listing.Eligible()),
	}).Infof("Found %d %s files", len(listing.Eligible()), c.cfg.Extension)
	return listing, nil
}
