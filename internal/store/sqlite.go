// Package store persists the robot's shared state in a SQLite database.
// The robot software and this tool communicate exclusively through that
// database, so every table write replaces the whole table in a single
// transaction to keep readers from observing partial updates.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aurorabench/celltools/internal/model"
)

// Store wraps the SQLite database holding all run state.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (or creates) the database at the given path and ensures the
// schema exists. Use ":memory:" for an in-memory database.
func New(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Path returns the filesystem path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cells (
		rack_position INTEGER PRIMARY KEY,
		cell_number INTEGER NOT NULL DEFAULT 0,
		current_press_number INTEGER NOT NULL DEFAULT 0,
		last_completed_step INTEGER NOT NULL DEFAULT 0,
		error_code INTEGER NOT NULL DEFAULT 0,
		batch_number INTEGER NOT NULL DEFAULT 0,
		electrolyte_position INTEGER NOT NULL DEFAULT 0,
		electrolyte_name TEXT,
		electrolyte_amount_ul REAL,
		electrolyte_before_separator_ul REAL,
		electrolyte_after_separator_ul REAL,
		electrolyte_dispense_order TEXT,
		anode_rack_position INTEGER NOT NULL DEFAULT 0,
		anode_type TEXT,
		anode_diameter_mm REAL,
		anode_weight_mg REAL,
		anode_collector_weight_mg REAL,
		anode_active_fraction REAL,
		anode_specific_capacity_mah_g REAL,
		anode_capacity_mah REAL,
		cathode_rack_position INTEGER NOT NULL DEFAULT 0,
		cathode_type TEXT,
		cathode_diameter_mm REAL,
		cathode_weight_mg REAL,
		cathode_collector_weight_mg REAL,
		cathode_active_fraction REAL,
		cathode_specific_capacity_mah_g REAL,
		cathode_capacity_mah REAL,
		target_np_ratio REAL,
		min_np_ratio REAL,
		max_np_ratio REAL,
		actual_np_ratio REAL,
		separator_type TEXT,
		casing_type TEXT,
		spacer_mm REAL,
		comments TEXT,
		barcode TEXT
	);

	CREATE TABLE IF NOT EXISTS presses (
		press_number INTEGER PRIMARY KEY,
		loaded_cell_number INTEGER NOT NULL DEFAULT 0,
		error_code INTEGER NOT NULL DEFAULT 0,
		last_completed_step INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS electrolytes (
		position INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		mix_json TEXT,
		volume_required_ul REAL,
		cumulative_volume_required_ul REAL
	);

	CREATE TABLE IF NOT EXISTS mixing_steps (
		step_index INTEGER PRIMARY KEY,
		source_position INTEGER NOT NULL,
		target_position INTEGER NOT NULL,
		volume_ul REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS timestamps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cell_number INTEGER NOT NULL,
		step_number INTEGER NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_timestamps_cell
		ON timestamps(cell_number, step_number);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// nullFloat maps NaN to SQL NULL so that missing measurements round-trip.
func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// SaveCells replaces the entire cells table with the given records.
func (s *Store) SaveCells(ctx context.Context, cells []model.CellRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cells"); err != nil {
		return fmt.Errorf("failed to clear cells: %w", err)
	}

	query := `
		INSERT INTO cells (rack_position, cell_number, current_press_number,
			last_completed_step, error_code, batch_number,
			electrolyte_position, electrolyte_name, electrolyte_amount_ul,
			electrolyte_before_separator_ul, electrolyte_after_separator_ul,
			electrolyte_dispense_order,
			anode_rack_position, anode_type, anode_diameter_mm, anode_weight_mg,
			anode_collector_weight_mg, anode_active_fraction,
			anode_specific_capacity_mah_g, anode_capacity_mah,
			cathode_rack_position, cathode_type, cathode_diameter_mm,
			cathode_weight_mg, cathode_collector_weight_mg,
			cathode_active_fraction, cathode_specific_capacity_mah_g,
			cathode_capacity_mah,
			target_np_ratio, min_np_ratio, max_np_ratio, actual_np_ratio,
			separator_type, casing_type, spacer_mm, comments, barcode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare cell insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cells {
		_, err := stmt.ExecContext(ctx,
			c.RackPosition, c.CellNumber, c.CurrentPressNumber,
			c.LastCompletedStep, c.ErrorCode, c.BatchNumber,
			c.ElectrolytePosition, c.ElectrolyteName, nullFloat(c.ElectrolyteAmountUL),
			nullFloat(c.ElectrolyteBeforeSepUL), nullFloat(c.ElectrolyteAfterSepUL),
			c.ElectrolyteDispenseOrder,
			c.AnodeRackPosition, c.AnodeType, nullFloat(c.AnodeDiameterMM),
			nullFloat(c.AnodeWeightMG), nullFloat(c.AnodeCollectorWeightMG),
			nullFloat(c.AnodeActiveFraction), nullFloat(c.AnodeSpecificCapacity),
			nullFloat(c.AnodeCapacityMAH),
			c.CathodeRackPosition, c.CathodeType, nullFloat(c.CathodeDiameterMM),
			nullFloat(c.CathodeWeightMG), nullFloat(c.CathodeCollectorWeightMG),
			nullFloat(c.CathodeActiveFraction), nullFloat(c.CathodeSpecificCapacity),
			nullFloat(c.CathodeCapacityMAH),
			nullFloat(c.TargetRatio), nullFloat(c.MinRatio), nullFloat(c.MaxRatio),
			nullFloat(c.ActualRatio),
			c.SeparatorType, c.CasingType, nullFloat(c.SpacerMM),
			c.Comments, c.Barcode,
		)
		if err != nil {
			return fmt.Errorf("failed to insert cell %d: %w", c.RackPosition, err)
		}
	}
	return tx.Commit()
}

// Cells returns all cell records ordered by rack position.
func (s *Store) Cells(ctx context.Context) ([]model.CellRecord, error) {
	query := `
		SELECT rack_position, cell_number, current_press_number,
			last_completed_step, error_code, batch_number,
			electrolyte_position, electrolyte_name, electrolyte_amount_ul,
			electrolyte_before_separator_ul, electrolyte_after_separator_ul,
			electrolyte_dispense_order,
			anode_rack_position, anode_type, anode_diameter_mm, anode_weight_mg,
			anode_collector_weight_mg, anode_active_fraction,
			anode_specific_capacity_mah_g, anode_capacity_mah,
			cathode_rack_position, cathode_type, cathode_diameter_mm,
			cathode_weight_mg, cathode_collector_weight_mg,
			cathode_active_fraction, cathode_specific_capacity_mah_g,
			cathode_capacity_mah,
			target_np_ratio, min_np_ratio, max_np_ratio, actual_np_ratio,
			separator_type, casing_type, spacer_mm, comments, barcode
		FROM cells
		ORDER BY rack_position ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	defer rows.Close()

	var cells []model.CellRecord
	for rows.Next() {
		var c model.CellRecord
		var (
			elName, elOrder, anType, caType        sql.NullString
			sepType, casType, comments, barcode    sql.NullString
			elAmount, elBefore, elAfter            sql.NullFloat64
			anDia, anWt, anColl, anFrac, anSpec    sql.NullFloat64
			anCap                                  sql.NullFloat64
			caDia, caWt, caColl, caFrac, caSpec    sql.NullFloat64
			caCap                                  sql.NullFloat64
			target, minR, maxR, actual, spacer     sql.NullFloat64
		)
		err := rows.Scan(
			&c.RackPosition, &c.CellNumber, &c.CurrentPressNumber,
			&c.LastCompletedStep, &c.ErrorCode, &c.BatchNumber,
			&c.ElectrolytePosition, &elName, &elAmount, &elBefore, &elAfter, &elOrder,
			&c.AnodeRackPosition, &anType, &anDia, &anWt, &anColl, &anFrac, &anSpec, &anCap,
			&c.CathodeRackPosition, &caType, &caDia, &caWt, &caColl, &caFrac, &caSpec, &caCap,
			&target, &minR, &maxR, &actual,
			&sepType, &casType, &spacer, &comments, &barcode,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		c.ElectrolyteName = elName.String
		c.ElectrolyteAmountUL = floatOrNaN(elAmount)
		c.ElectrolyteBeforeSepUL = floatOrNaN(elBefore)
		c.ElectrolyteAfterSepUL = floatOrNaN(elAfter)
		c.ElectrolyteDispenseOrder = elOrder.String
		c.AnodeType = anType.String
		c.AnodeDiameterMM = floatOrNaN(anDia)
		c.AnodeWeightMG = floatOrNaN(anWt)
		c.AnodeCollectorWeightMG = floatOrNaN(anColl)
		c.AnodeActiveFraction = floatOrNaN(anFrac)
		c.AnodeSpecificCapacity = floatOrNaN(anSpec)
		c.AnodeCapacityMAH = floatOrNaN(anCap)
		c.CathodeType = caType.String
		c.CathodeDiameterMM = floatOrNaN(caDia)
		c.CathodeWeightMG = floatOrNaN(caWt)
		c.CathodeCollectorWeightMG = floatOrNaN(caColl)
		c.CathodeActiveFraction = floatOrNaN(caFrac)
		c.CathodeSpecificCapacity = floatOrNaN(caSpec)
		c.CathodeCapacityMAH = floatOrNaN(caCap)
		c.TargetRatio = floatOrNaN(target)
		c.MinRatio = floatOrNaN(minR)
		c.MaxRatio = floatOrNaN(maxR)
		c.ActualRatio = floatOrNaN(actual)
		c.SeparatorType = sepType.String
		c.CasingType = casType.String
		c.SpacerMM = floatOrNaN(spacer)
		c.Comments = comments.String
		c.Barcode = barcode.String
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// SavePresses replaces the press table.
func (s *Store) SavePresses(ctx context.Context, presses []model.PressRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM presses"); err != nil {
		return fmt.Errorf("failed to clear presses: %w", err)
	}
	for _, p := range presses {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO presses (press_number, loaded_cell_number, error_code, last_completed_step)
			 VALUES (?, ?, ?, ?)`,
			p.PressNumber, p.LoadedCellNumber, p.ErrorCode, p.LastCompletedStep,
		)
		if err != nil {
			return fmt.Errorf("failed to insert press %d: %w", p.PressNumber, err)
		}
	}
	return tx.Commit()
}

// Presses returns all press records ordered by press number.
func (s *Store) Presses(ctx context.Context) ([]model.PressRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT press_number, loaded_cell_number, error_code, last_completed_step
		 FROM presses ORDER BY press_number ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query presses: %w", err)
	}
	defer rows.Close()

	var presses []model.PressRecord
	for rows.Next() {
		var p model.PressRecord
		if err := rows.Scan(&p.PressNumber, &p.LoadedCellNumber, &p.ErrorCode, &p.LastCompletedStep); err != nil {
			return nil, fmt.Errorf("failed to scan press: %w", err)
		}
		presses = append(presses, p)
	}
	return presses, rows.Err()
}

// SaveElectrolytes replaces the electrolyte table. Mix fractions are stored
// as a JSON array so the schema stays independent of the vial count.
func (s *Store) SaveElectrolytes(ctx context.Context, electrolytes []model.ElectrolyteRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM electrolytes"); err != nil {
		return fmt.Errorf("failed to clear electrolytes: %w", err)
	}
	for _, e := range electrolytes {
		var mixJSON []byte
		if len(e.Mix) > 0 {
			mixJSON, err = json.Marshal(e.Mix)
			if err != nil {
				return fmt.Errorf("failed to encode mix for position %d: %w", e.Position, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO electrolytes (position, name, description, mix_json,
				volume_required_ul, cumulative_volume_required_ul)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.Position, e.Name, e.Description, string(mixJSON),
			e.VolumeRequiredUL, e.CumulativeVolumeRequiredUL,
		)
		if err != nil {
			return fmt.Errorf("failed to insert electrolyte %d: %w", e.Position, err)
		}
	}
	return tx.Commit()
}

// Electrolytes returns all electrolyte records ordered by position.
func (s *Store) Electrolytes(ctx context.Context) ([]model.ElectrolyteRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, name, description, mix_json,
			volume_required_ul, cumulative_volume_required_ul
		 FROM electrolytes ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query electrolytes: %w", err)
	}
	defer rows.Close()

	var electrolytes []model.ElectrolyteRecord
	for rows.Next() {
		var e model.ElectrolyteRecord
		var description, mixJSON sql.NullString
		if err := rows.Scan(&e.Position, &e.Name, &description, &mixJSON,
			&e.VolumeRequiredUL, &e.CumulativeVolumeRequiredUL); err != nil {
			return nil, fmt.Errorf("failed to scan electrolyte: %w", err)
		}
		e.Description = description.String
		if mixJSON.Valid && mixJSON.String != "" {
			if err := json.Unmarshal([]byte(mixJSON.String), &e.Mix); err != nil {
				return nil, fmt.Errorf("failed to decode mix for position %d: %w", e.Position, err)
			}
		}
		electrolytes = append(electrolytes, e)
	}
	return electrolytes, rows.Err()
}

// SaveMixingSteps replaces the mixing step table, preserving step order.
func (s *Store) SaveMixingSteps(ctx context.Context, steps []model.MixingStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM mixing_steps"); err != nil {
		return fmt.Errorf("failed to clear mixing steps: %w", err)
	}
	for i, step := range steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO mixing_steps (step_index, source_position, target_position, volume_ul)
			 VALUES (?, ?, ?, ?)`,
			i, step.SourcePosition, step.TargetPosition, step.VolumeUL,
		)
		if err != nil {
			return fmt.Errorf("failed to insert mixing step %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// MixingSteps returns the mixing steps in execution order.
func (s *Store) MixingSteps(ctx context.Context) ([]model.MixingStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_position, target_position, volume_ul
		 FROM mixing_steps ORDER BY step_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mixing steps: %w", err)
	}
	defer rows.Close()

	var steps []model.MixingStep
	for rows.Next() {
		var step model.MixingStep
		if err := rows.Scan(&step.SourcePosition, &step.TargetPosition, &step.VolumeUL); err != nil {
			return nil, fmt.Errorf("failed to scan mixing step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// AppendTimestamp records the completion time of one assembly step.
func (s *Store) AppendTimestamp(ctx context.Context, ts model.StepTimestamp) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timestamps (cell_number, step_number, timestamp) VALUES (?, ?, ?)`,
		ts.CellNumber, ts.StepNumber, ts.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert timestamp: %w", err)
	}
	return nil
}

// Timestamps returns all step timestamps ordered by cell then step.
func (s *Store) Timestamps(ctx context.Context) ([]model.StepTimestamp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cell_number, step_number, timestamp
		 FROM timestamps ORDER BY cell_number ASC, step_number ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query timestamps: %w", err)
	}
	defer rows.Close()

	var stamps []model.StepTimestamp
	for rows.Next() {
		var ts model.StepTimestamp
		if err := rows.Scan(&ts.CellNumber, &ts.StepNumber, &ts.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan timestamp: %w", err)
		}
		stamps = append(stamps, ts)
	}
	return stamps, rows.Err()
}

// SetSetting stores a key/value setting, replacing any existing value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// Setting returns the value for a key, or the empty string when unset.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, nil
}
