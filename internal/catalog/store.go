package catalog

import (
	"database/sql"
	"fmt"
	"math"

	"github.com/lehigh-university-libraries/hapcat/internal/photometry"
	_ "modernc.org/sqlite"
)

// Store persists catalogs of many runs into one SQLite database. Every row
// is kept, flagged sources included, so queries can apply their own cuts.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates a catalog database
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA synchronous = OFF"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = MEMORY"); err != nil {
		_ = db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sources (
		run_id TEXT NOT NULL,
		product TEXT NOT NULL,
		strategy TEXT NOT NULL,
		id INTEGER NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		ra REAL,
		dec REAL,
		flux REAL,
		flux_err REAL,
		mag REAL,
		mag_err REAL,
		flag INTEGER NOT NULL,
		background REAL,
		segment_id INTEGER,
		sub_index INTEGER,
		area INTEGER,
		iso_flux REAL,
		PRIMARY KEY (run_id, product, strategy, id)
	);
	CREATE INDEX IF NOT EXISTS idx_sources_product ON sources(product, strategy);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes both catalogs of one product in a single transaction,
// replacing any rows already stored for the same run and product
func (s *Store) Save(runID, product string, cats *HAPCatalogs) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM sources WHERE run_id = ? AND product = ?`, runID, product); err != nil {
		return fmt.Errorf("clear %s: %w", product, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO sources (run_id, product, strategy, id, x, y, ra, dec, flux, flux_err,
			mag, mag_err, flag, background, segment_id, sub_index, area, iso_flux)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, cat := range []*Catalog{cats.Point, cats.Segment} {
		for _, src := range cat.Rows() {
			var segID, sub, area, iso any
			if cat.Strategy == SegmentStrategy {
				segID, sub, area, iso = src.SegmentID, src.SubIndex, src.Area, nullFloat(src.IsoFlux)
			}
			_, err := stmt.Exec(runID, product, cat.Strategy, src.ID, src.X, src.Y,
				nullFloat(src.RA), nullFloat(src.Dec), nullFloat(src.Flux), nullFloat(src.FluxErr),
				nullFloat(src.Mag), nullFloat(src.MagErr), int(src.Flag), nullFloat(src.Background),
				segID, sub, area, iso)
			if err != nil {
				return fmt.Errorf("insert %s %s source %d: %w", product, cat.Strategy, src.ID, err)
			}
		}
	}
	return tx.Commit()
}

// Load returns the catalog of one strategy stored for a run and product
func (s *Store) Load(runID, product, strategy string) (*Catalog, error) {
	rows, err := s.db.Query(`
		SELECT id, x, y, ra, dec, flux, flux_err, mag, mag_err, flag, background,
			segment_id, sub_index, area, iso_flux
		FROM sources WHERE run_id = ? AND product = ? AND strategy = ?
		ORDER BY id
	`, runID, product, strategy)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", product, err)
	}
	defer rows.Close()

	cat := &Catalog{Strategy: strategy}
	for rows.Next() {
		var src Source
		var ra, dec, flux, fluxErr, mag, magErr, bg, iso sql.NullFloat64
		var segID, sub, area sql.NullInt64
		var flag int64
		if err := rows.Scan(&src.ID, &src.X, &src.Y, &ra, &dec, &flux, &fluxErr, &mag, &magErr,
			&flag, &bg, &segID, &sub, &area, &iso); err != nil {
			return nil, fmt.Errorf("scan %s: %w", product, err)
		}
		src.RA, src.Dec = value(ra), value(dec)
		src.Flux, src.FluxErr = value(flux), value(fluxErr)
		src.Mag, src.MagErr = value(mag), value(magErr)
		src.Background, src.IsoFlux = value(bg), value(iso)
		src.Flag = photometry.Flag(flag)
		src.SegmentID, src.SubIndex, src.Area = int(segID.Int64), int(sub.Int64), int(area.Int64)
		cat.Sources = append(cat.Sources, src)
	}
	return cat, rows.Err()
}

// nullFloat maps non-finite values to NULL; SQLite has no NaN
func nullFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func value(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
