package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"anpr-toll-service/internal/domain/anpr"
)

var ErrDuplicate = errors.New("duplicate record")

type TollRepository struct {
	db *gorm.DB
}

func NewTollRepository(db *gorm.DB) *TollRepository {
	return &TollRepository{db: db}
}

func (Vehicle) TableName() string {
	return "vehicles"
}

func (Wallet) TableName() string {
	return "wallets"
}

func (Toll) TableName() string {
	return "tolls"
}

func (UnauthorizedVehicle) TableName() string {
	return "unauthorized_vehicles"
}

func (Camera) TableName() string {
	return "cameras"
}

func (TollStation) TableName() string {
	return "toll_stations"
}

type Vehicle struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID        uuid.UUID `gorm:"type:uuid;not null;index"`
	VehicleNumber string    `gorm:"not null;uniqueIndex"`
	VehicleMake   *string
	VehicleModel  *string
	CreatedAt     time.Time
}

type Wallet struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	Balance      int64     `gorm:"not null;default:0"`
	WalletNumber string    `gorm:"not null;uniqueIndex"`
	UpdatedAt    time.Time
}

type Toll struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index"`
	VehicleID  uuid.UUID `gorm:"type:uuid;not null;index"`
	Plate      string    `gorm:"not null;index"`
	CameraID   *string
	Amount     int64 `gorm:"not null"`
	Confidence *float64
	Metadata   datatypes.JSON `gorm:"type:jsonb"`
	ChargedAt  time.Time      `gorm:"not null;index"`
	CreatedAt  time.Time
}

type UnauthorizedVehicle struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	VehicleNumber string    `gorm:"not null;uniqueIndex"`
	CameraID      *string
	Confidence    *float64
	SnapshotURL   *string
	Sightings     int       `gorm:"not null;default:1"`
	FirstSeenAt   time.Time `gorm:"not null"`
	LastSeenAt    time.Time `gorm:"not null"`
}

type Camera struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name           string
	CameraIP       string `gorm:"column:camera_ip;not null;uniqueIndex"`
	CameraPort     string `gorm:"not null"`
	CameraLocation string `gorm:"not null"`
	CameraURL      string `gorm:"column:camera_url;not null"`
	CreatedAt      time.Time
}

type TollStation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"not null"`
	Latitude  float64   `gorm:"not null"`
	Longitude float64   `gorm:"not null"`
	Location  string    `gorm:"not null"`
	CameraID  uuid.UUID `gorm:"type:uuid;not null;index"`
	Camera    Camera    `gorm:"foreignKey:CameraID"`
	CreatedAt time.Time
}

// WithinTx implements anpr.TollStore on top of a gorm transaction.
func (r *TollRepository) WithinTx(ctx context.Context, fn func(tx anpr.TollTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&tollTx{db: tx})
	})
}

type tollTx struct {
	db *gorm.DB
}

func (t *tollTx) FindVehicleByPlate(ctx context.Context, plate string) (*anpr.Vehicle, error) {
	var v Vehicle
	err := t.db.WithContext(ctx).Where("vehicle_number = ?", plate).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &anpr.Vehicle{ID: v.ID, UserID: v.UserID, VehicleNumber: v.VehicleNumber}, nil
}

func (t *tollTx) FindWalletByUser(ctx context.Context, userID uuid.UUID) (*anpr.Wallet, error) {
	var w Wallet
	err := t.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &anpr.Wallet{ID: w.ID, UserID: w.UserID, Balance: w.Balance, WalletNumber: w.WalletNumber}, nil
}

func (t *tollTx) DebitWallet(ctx context.Context, walletID uuid.UUID, amount int64) (int64, error) {
	result := t.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("id = ? AND balance >= ?", walletID, amount).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("debit wallet: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, anpr.ErrInsufficientFunds
	}

	var w Wallet
	if err := t.db.WithContext(ctx).Select("balance").Where("id = ?", walletID).First(&w).Error; err != nil {
		return 0, fmt.Errorf("read wallet balance: %w", err)
	}
	return w.Balance, nil
}

func (t *tollTx) InsertToll(ctx context.Context, charge anpr.TollCharge) (uuid.UUID, error) {
	row := Toll{
		ID:        uuid.New(),
		UserID:    charge.UserID,
		VehicleID: charge.VehicleID,
		Plate:     charge.Plate,
		Amount:    charge.Amount,
		ChargedAt: charge.ChargedAt,
		CreatedAt: time.Now(),
	}
	if charge.CameraID != "" {
		row.CameraID = &charge.CameraID
	}
	if charge.Confidence != 0 {
		row.Confidence = &charge.Confidence
	}

	meta, err := json.Marshal(map[string]interface{}{
		"source":     "anpr",
		"camera_id":  charge.CameraID,
		"confidence": charge.Confidence,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal toll metadata: %w", err)
	}
	row.Metadata = datatypes.JSON(meta)

	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, fmt.Errorf("failed to create toll record: %w", err)
	}
	return row.ID, nil
}

func (t *tollTx) RecordUnauthorized(ctx context.Context, s anpr.Sighting) (bool, error) {
	row := UnauthorizedVehicle{
		ID:            uuid.New(),
		VehicleNumber: s.Plate,
		Sightings:     1,
		FirstSeenAt:   s.SeenAt,
		LastSeenAt:    s.SeenAt,
	}
	if s.CameraID != "" {
		row.CameraID = &s.CameraID
	}
	if s.Confidence != 0 {
		row.Confidence = &s.Confidence
	}
	if s.SnapshotURL != "" {
		row.SnapshotURL = &s.SnapshotURL
	}

	result := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "vehicle_number"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("insert unauthorized vehicle: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	err := t.db.WithContext(ctx).
		Model(&UnauthorizedVehicle{}).
		Where("vehicle_number = ?", s.Plate).
		Updates(map[string]interface{}{
			"sightings":    gorm.Expr("sightings + 1"),
			"last_seen_at": s.SeenAt,
		}).Error
	if err != nil {
		return false, fmt.Errorf("update unauthorized vehicle: %w", err)
	}
	return false, nil
}

type TollFilter struct {
	Plate  *string
	UserID *uuid.UUID
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

func (r *TollRepository) FindTolls(ctx context.Context, f TollFilter) ([]Toll, error) {
	query := r.db.WithContext(ctx).Model(&Toll{})

	if f.Plate != nil {
		query = query.Where("plate = ?", *f.Plate)
	}
	if f.UserID != nil {
		query = query.Where("user_id = ?", *f.UserID)
	}
	if f.From != nil {
		query = query.Where("charged_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("charged_at <= ?", *f.To)
	}

	// id breaks ties so OFFSET paging neither repeats nor skips rows.
	query = query.Order("charged_at DESC").Order("id DESC")

	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var tolls []Toll
	err := query.Find(&tolls).Error
	return tolls, err
}

func (r *TollRepository) FindUnauthorized(ctx context.Context, limit, offset int) ([]UnauthorizedVehicle, error) {
	query := r.db.WithContext(ctx).Model(&UnauthorizedVehicle{}).Order("last_seen_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var rows []UnauthorizedVehicle
	err := query.Find(&rows).Error
	return rows, err
}

// SetUnauthorizedSnapshot stores the snapshot URL unless one is already set.
func (r *TollRepository) SetUnauthorizedSnapshot(ctx context.Context, plate, url string) error {
	result := r.db.WithContext(ctx).
		Model(&UnauthorizedVehicle{}).
		Where("vehicle_number = ? AND snapshot_url IS NULL", plate).
		Update("snapshot_url", url)
	if result.Error != nil {
		return fmt.Errorf("set snapshot url: %w", result.Error)
	}
	return nil
}

func (r *TollRepository) FindCameras(ctx context.Context) ([]Camera, error) {
	var cameras []Camera
	err := r.db.WithContext(ctx).Order("name").Find(&cameras).Error
	return cameras, err
}

func (r *TollRepository) CreateCamera(ctx context.Context, camera *Camera) error {
	if camera.ID == uuid.Nil {
		camera.ID = uuid.New()
	}
	camera.CreatedAt = time.Now()
	if err := r.db.WithContext(ctx).Create(camera).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("camera %s: %w", camera.CameraIP, ErrDuplicate)
		}
		return fmt.Errorf("failed to create camera: %w", err)
	}
	return nil
}

// FindCameraByID returns nil when no camera has id.
func (r *TollRepository) FindCameraByID(ctx context.Context, id uuid.UUID) (*Camera, error) {
	var camera Camera
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&camera).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &camera, nil
}

func (r *TollRepository) FindTollStations(ctx context.Context) ([]TollStation, error) {
	var stations []TollStation
	err := r.db.WithContext(ctx).Preload("Camera").Order("name").Find(&stations).Error
	return stations, err
}

func (r *TollRepository) CreateTollStation(ctx context.Context, station *TollStation) error {
	if station.ID == uuid.Nil {
		station.ID = uuid.New()
	}
	station.CreatedAt = time.Now()
	if err := r.db.WithContext(ctx).Omit("Camera").Create(station).Error; err != nil {
		return fmt.Errorf("failed to create toll station: %w", err)
	}
	return nil
}
