package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/autosteer/internal/sensorfeed"
)

// SerialConfig is a stored serial port configuration for the wire sensor.
type SerialConfig struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	PortPath    string `json:"port_path"`
	BaudRate    int    `json:"baud_rate"`
	DataBits    int    `json:"data_bits"`
	StopBits    int    `json:"stop_bits"`
	Parity      string `json:"parity"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// PortOptions converts the stored row into reader options.
func (c SerialConfig) PortOptions(readTimeout time.Duration) sensorfeed.PortOptions {
	return sensorfeed.PortOptions{
		PortPath:    c.PortPath,
		BaudRate:    c.BaudRate,
		DataBits:    c.DataBits,
		StopBits:    c.StopBits,
		Parity:      c.Parity,
		ReadTimeout: readTimeout,
	}
}

const serialConfigColumns = `id, name, port_path, baud_rate, data_bits, stop_bits, parity, enabled, description, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSerialConfig(s rowScanner) (SerialConfig, error) {
	var c SerialConfig
	var enabled int
	err := s.Scan(&c.ID, &c.Name, &c.PortPath, &c.BaudRate, &c.DataBits, &c.StopBits,
		&c.Parity, &enabled, &c.Description, &c.CreatedAt, &c.UpdatedAt)
	c.Enabled = enabled == 1
	return c, err
}

func (db *DB) querySerialConfigs(query string) ([]SerialConfig, error) {
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query serial configs: %w", err)
	}
	defer rows.Close()

	var configs []SerialConfig
	for rows.Next() {
		c, err := scanSerialConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan serial config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// GetSerialConfigs returns all serial configurations
func (db *DB) GetSerialConfigs() ([]SerialConfig, error) {
	return db.querySerialConfigs(`SELECT ` + serialConfigColumns + ` FROM serial_config ORDER BY id ASC`)
}

// GetEnabledSerialConfigs returns the enabled configurations, oldest first.
func (db *DB) GetEnabledSerialConfigs() ([]SerialConfig, error) {
	return db.querySerialConfigs(`SELECT ` + serialConfigColumns + ` FROM serial_config WHERE enabled = 1 ORDER BY id ASC`)
}

// GetSerialConfig returns a single configuration by ID, or nil if absent.
func (db *DB) GetSerialConfig(id int) (*SerialConfig, error) {
	c, err := scanSerialConfig(db.QueryRow(`SELECT `+serialConfigColumns+` FROM serial_config WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get serial config: %w", err)
	}
	return &c, nil
}

// CreateSerialConfig validates and stores c, returning the new row ID.
func (db *DB) CreateSerialConfig(c *SerialConfig) (int64, error) {
	if err := c.normalize(); err != nil {
		return 0, err
	}

	result, err := db.Exec(
		`INSERT INTO serial_config (name, port_path, baud_rate, data_bits, stop_bits, parity, enabled, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.PortPath, c.BaudRate, c.DataBits, c.StopBits, c.Parity, boolToInt(c.Enabled), c.Description)
	if err != nil {
		return 0, fmt.Errorf("failed to create serial config: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	c.ID = int(id)
	return id, nil
}

// UpdateSerialConfig updates an existing serial configuration
func (db *DB) UpdateSerialConfig(c *SerialConfig) error {
	if err := c.normalize(); err != nil {
		return err
	}

	result, err := db.Exec(
		`UPDATE serial_config
		    SET name = ?, port_path = ?, baud_rate = ?, data_bits = ?, stop_bits = ?,
		        parity = ?, enabled = ?, description = ?
		  WHERE id = ?`,
		c.Name, c.PortPath, c.BaudRate, c.DataBits, c.StopBits, c.Parity, boolToInt(c.Enabled), c.Description, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update serial config: %w", err)
	}
	return requireOneRow(result, c.ID)
}

// DeleteSerialConfig deletes a serial configuration
func (db *DB) DeleteSerialConfig(id int) error {
	result, err := db.Exec(`DELETE FROM serial_config WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete serial config: %w", err)
	}
	return requireOneRow(result, id)
}

// normalize fills defaults through sensorfeed so stored rows always open.
func (c *SerialConfig) normalize() error {
	if c.Name == "" {
		return fmt.Errorf("serial config name is required")
	}
	opts, err := c.PortOptions(0).Normalize()
	if err != nil {
		return fmt.Errorf("invalid serial config %q: %w", c.Name, err)
	}
	c.PortPath = opts.PortPath
	c.BaudRate = opts.BaudRate
	c.DataBits = opts.DataBits
	c.StopBits = opts.StopBits
	c.Parity = opts.Parity
	return nil
}

func requireOneRow(result sql.Result, id int) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("serial config with ID %d not found", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
