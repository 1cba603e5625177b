package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,

	// vehicles and wallets are owned by the account service; the toll service
	// only reads vehicles and debits wallets.
	`CREATE TABLE IF NOT EXISTS vehicles (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		user_id         UUID NOT NULL,
		vehicle_number  TEXT NOT NULL,
		vehicle_make    TEXT,
		vehicle_model   TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicles_vehicle_number ON vehicles(vehicle_number);`,
	`CREATE INDEX IF NOT EXISTS idx_vehicles_user_id ON vehicles(user_id);`,

	`CREATE TABLE IF NOT EXISTS wallets (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		user_id         UUID NOT NULL,
		balance         BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		wallet_number   TEXT NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_wallets_user_id ON wallets(user_id);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_wallets_wallet_number ON wallets(wallet_number);`,

	`CREATE TABLE IF NOT EXISTS tolls (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		user_id         UUID NOT NULL,
		vehicle_id      UUID NOT NULL REFERENCES vehicles(id) ON DELETE RESTRICT,
		plate           TEXT NOT NULL,
		camera_id       TEXT,
		amount          BIGINT NOT NULL CHECK (amount > 0),
		confidence      NUMERIC(5,4),
		metadata        JSONB,
		charged_at      TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tolls_user_id ON tolls(user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tolls_vehicle_id ON tolls(vehicle_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tolls_plate_charged_at ON tolls(plate, charged_at DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_tolls_charged_at ON tolls(charged_at);`,

	`CREATE TABLE IF NOT EXISTS unauthorized_vehicles (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		vehicle_number  TEXT NOT NULL,
		camera_id       TEXT,
		confidence      NUMERIC(5,4),
		snapshot_url    TEXT,
		sightings       INT NOT NULL DEFAULT 1,
		first_seen_at   TIMESTAMPTZ NOT NULL,
		last_seen_at    TIMESTAMPTZ NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_unauthorized_vehicles_number ON unauthorized_vehicles(vehicle_number);`,
	`CREATE INDEX IF NOT EXISTS idx_unauthorized_vehicles_last_seen ON unauthorized_vehicles(last_seen_at DESC);`,

	`CREATE TABLE IF NOT EXISTS cameras (
		id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		name            TEXT,
		camera_ip       TEXT NOT NULL,
		camera_port     TEXT NOT NULL,
		camera_location TEXT NOT NULL,
		camera_url      TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_cameras_camera_ip ON cameras(camera_ip);`,

	`CREATE TABLE IF NOT EXISTS toll_stations (
		id          UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		name        TEXT NOT NULL,
		latitude    DOUBLE PRECISION NOT NULL,
		longitude   DOUBLE PRECISION NOT NULL,
		location    TEXT NOT NULL,
		camera_id   UUID NOT NULL REFERENCES cameras(id),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_toll_stations_camera_id ON toll_stations(camera_id);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
