package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"tilefetch/internal/model"
)

// MBTileVersion mbtiles版本号
const MBTileVersion = "1.2"

// MBTiles writes payloads into an MBTiles database. Rows are stored in
// TMS order, so the grid row is flipped on the way in and out.
type MBTiles struct {
	db   *sql.DB
	path string
}

// OpenMBTiles creates or opens an MBTiles file and prepares its schema.
// meta entries land in the metadata table alongside the format defaults.
func OpenMBTiles(path string, meta map[string]string) (*MBTiles, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if err := optimizeConnection(db); err != nil {
		db.Close()
		return nil, err
	}

	stmts := []string{
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);",
		"create table if not exists metadata (name text, value text);",
		"create unique index if not exists name on metadata (name);",
		"create unique index if not exists tile_index on tiles(zoom_level, tile_column, tile_row);",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}

	items := map[string]string{
		"version":     MBTileVersion,
		"format":      model.PNG,
		"type":        model.SchemeXYZ,
		"pixel_scale": fmt.Sprintf("%d", model.TileSize),
	}
	for name, value := range meta {
		items[name] = value
	}
	for name, value := range items {
		if _, err := db.Exec("insert or replace into metadata (name, value) values (?, ?)", name, value); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &MBTiles{db: db, path: path}, nil
}

// Write stores one payload, replacing any previous revision of the tile.
func (m *MBTiles) Write(ctx context.Context, p model.TilePayload) error {
	row := flipY(p.Z, p.Y)
	_, err := m.db.ExecContext(ctx,
		"insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);",
		p.Z, p.X, row, p.Data)
	if err != nil {
		return fmt.Errorf("save tile %d/%d/%d: %w", p.Z, p.X, p.Y, err)
	}
	return nil
}

// Existing reloads the stored tiles as a presence set for service.
func (m *MBTiles) Existing(ctx context.Context, service string) (*model.TileSet, error) {
	rows, err := m.db.QueryContext(ctx, "select zoom_level, tile_column, tile_row from tiles")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := model.NewTileSet()
	for rows.Next() {
		var z, x, row int
		if err := rows.Scan(&z, &x, &row); err != nil {
			return nil, err
		}
		set.Add(service, z, x, flipY(z, row))
	}
	return set, rows.Err()
}

// Close finalizes the database.
func (m *MBTiles) Close() error {
	return m.db.Close()
}

func flipY(z, y int) int {
	return (1 << uint(z)) - 1 - y
}

func optimizeConnection(db *sql.DB) error {
	_, err := db.Exec("PRAGMA synchronous=0")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA locking_mode=EXCLUSIVE")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA journal_mode=DELETE")
	if err != nil {
		return err
	}
	return nil
}
