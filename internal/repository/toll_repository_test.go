package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"anpr-toll-service/internal/domain/anpr"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Vehicle{}, &Wallet{}, &Toll{}, &UnauthorizedVehicle{}, &Camera{}, &TollStation{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedVehicle(t *testing.T, db *gorm.DB, plate string, balance int64) (Vehicle, Wallet) {
	t.Helper()

	v := Vehicle{ID: uuid.New(), UserID: uuid.New(), VehicleNumber: plate, CreatedAt: time.Now()}
	w := Wallet{ID: uuid.New(), UserID: v.UserID, Balance: balance, WalletNumber: "W-" + plate}
	if err := db.Create(&v).Error; err != nil {
		t.Fatalf("seed vehicle: %v", err)
	}
	if err := db.Create(&w).Error; err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return v, w
}

func TestTollRepository_FindVehicleAndWallet(t *testing.T) {
	db := newTestDB(t)
	repo := NewTollRepository(db)
	v, w := seedVehicle(t, db, "MH12AB1234", 100)
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(tx anpr.TollTx) error {
		got, err := tx.FindVehicleByPlate(ctx, "MH12AB1234")
		if err != nil {
			return err
		}
		if got == nil || got.ID != v.ID || got.UserID != v.UserID {
			t.Errorf("FindVehicleByPlate() = %+v, want id %s", got, v.ID)
		}

		missing, err := tx.FindVehicleByPlate(ctx, "ZZ99ZZ9999")
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("FindVehicleByPlate(unknown) = %+v, want nil", missing)
		}

		wallet, err := tx.FindWalletByUser(ctx, v.UserID)
		if err != nil {
			return err
		}
		if wallet == nil || wallet.ID != w.ID || wallet.Balance != 100 {
			t.Errorf("FindWalletByUser() = %+v", wallet)
		}

		none, err := tx.FindWalletByUser(ctx, uuid.New())
		if err != nil {
			return err
		}
		if none != nil {
			t.Errorf("FindWalletByUser(unknown) = %+v, want nil", none)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx() error = %v", err)
	}
}

func TestTollRepository_DebitWallet(t *testing.T) {
	db := newTestDB(t)
	repo := NewTollRepository(db)
	_, w := seedVehicle(t, db, "KA01ABC123", 70)
	ctx := context.Background()

	tests := []struct {
		name        string
		amount      int64
		wantBalance int64
		wantErr     error
	}{
		{"debit within balance", 50, 20, nil},
		{"debit above balance", 50, 0, anpr.ErrInsufficientFunds},
		{"debit exact balance", 20, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got int64
			err := repo.WithinTx(ctx, func(tx anpr.TollTx) error {
				var err error
				got, err = tx.DebitWallet(ctx, w.ID, tt.amount)
				return err
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DebitWallet() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && got != tt.wantBalance {
				t.Errorf("DebitWallet() = %d, want %d", got, tt.wantBalance)
			}
		})
	}
}

func TestTollRepository_RollbackLeavesNoTrace(t *testing.T) {
	db := newTestDB(t)
	repo := NewTollRepository(db)
	v, w := seedVehicle(t, db, "DL3C4567", 100)
	ctx := context.Background()

	boom := errors.New("boom")
	err := repo.WithinTx(ctx, func(tx anpr.TollTx) error {
		if _, err := tx.InsertToll(ctx, anpr.TollCharge{
			UserID:    v.UserID,
			VehicleID: v.ID,
			Plate:     v.VehicleNumber,
			Amount:    50,
			ChargedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		if _, err := tx.DebitWallet(ctx, w.ID, 50); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx() error = %v, want boom", err)
	}

	var count int64
	db.Model(&Toll{}).Count(&count)
	if count != 0 {
		t.Errorf("tolls after rollback = %d, want 0", count)
	}
	var after Wallet
	db.First(&after, "id = ?", w.ID)
	if after.Balance != 100 {
		t.Errorf("balance after rollback = %d, want 100", after.Balance)
	}
}

func TestTollRepository_InsertToll(t *testing.T) {
	db := newTestDB(t)
	repo := NewTollRepository(db)
	v, _ := seedVehicle(t, db, "TN09BX4321", 100)
	ctx := context.Background()
	chargedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	var id uuid.UUID
	err := repo.WithinTx(ctx, func(tx anpr.TollTx) error {
		var err error
		id, err = tx.InsertToll(ctx, anpr.TollCharge{
			UserID:     v.UserID,
			VehicleID:  v.ID,
			Plate:      v.VehicleNumber,
			CameraID:   "camera-001",
			Amount:     50,
			Confidence: 0.91,
			ChargedAt:  chargedAt,
		})
		return err
	})
	if err != nil {
		t.Fatalf("InsertToll() error = %v", err)
	}

	var row Toll
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		t.Fatalf("load toll: %v", err)
	}
	if row.Amount != 50 || row.Plate != "TN09BX4321" {
		t.Errorf("toll = %+v", row)
	}
	if row.CameraID == nil || *row.CameraID != "camera-001" {
		t.Errorf("camera id = %v, want camera-001", row.CameraID)
	}
	if len(row.Metadata) == 0 {
		t.Error("metadata not stored")
	}
}

func TestTollRepository_RecordUnauthorized(t *testing.T) {
	db := newTestDB(t)
	repo := NewTollRepository(db)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	record := func(at time.Time) bool {
		t.Helper()
		var created bool
		err := repo.WithinTx(ctx, func(tx anpr.TollTx) error {
			var err error
			created, err = tx.RecordUnauthorized(ctx, anpr.Sighting{Plate: "ZZ99ZZ9999", CameraID: "camera-001", Confidence: 0.8, SeenAt: at})
			return err
		})
		if err != nil {
			t.Fatalf("RecordUnauthorized() error = %v", err)
		}
		return created
	}

	if !record(t0) {
		t.Error("first sighting not reported as created")
	}
	if record(t0.Add(time.Minute)) {
		t.Error("second sighting reported as created")
	}

	rows, err := repo.FindUnauthorized(ctx, 10, 0)
	if err != nil {
		t.Fatalf("FindUnauthorized() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("unauthorized rows = %d, want 1", len(rows))
	}
	if rows[0].Sightings != 2 {
		t.Errorf("sightings = %d, want 2", rows[0].Sightings)
	}
	if !rows[0].LastSeenAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("last seen = %v, want %v", rows[0].LastSeenAt, t0.Add(time.Minute))
	}

	if err := repo.SetUnauthorizedSnapshot(ctx, "ZZ99ZZ9999", "https://cdn.example.com/a.jpg"); err != nil {
		t.Fatalf("SetUnauthorizedSnapshot() error = %v", err)
	}
	if err := repo.SetUnauthorizedSnapshot(ctx, "ZZ99ZZ9999", "https://cdn.example.com/b.jpg"); err != nil {
		t.Fatalf("SetUnauthorizedSnapshot() error = %v", err)
	}
	rows, _ = repo.FindUnauthorized(ctx, 10, 0)
	if rows[0].SnapshotURL == nil || *rows[0].SnapshotURL != "https://cdn.example.com/a.jpg" {
		t.Errorf("snapshot url = %v, want first upload kept", rows[0].SnapshotURL)
	}
}

func TestTollRepository_FindTolls(t *testing.T) {
	db := newTestDB(t)
	repo := NewTollRepository(db)
	a, _ := seedVehicle(t, db, "MH12AB1234", 1000)
	b, _ := seedVehicle(t, db, "KA01ABC123", 1000)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		for _, v := range []Vehicle{a, b} {
			row := Toll{ID: uuid.New(), UserID: v.UserID, VehicleID: v.ID, Plate: v.VehicleNumber, Amount: 50, ChargedAt: base.Add(time.Duration(i) * time.Hour)}
			if err := db.Create(&row).Error; err != nil {
				t.Fatalf("seed toll: %v", err)
			}
		}
	}

	plate := "MH12AB1234"
	from := base.Add(30 * time.Minute)

	tests := []struct {
		name   string
		filter TollFilter
		want   int
	}{
		{"all", TollFilter{}, 6},
		{"by plate", TollFilter{Plate: &plate}, 3},
		{"by user", TollFilter{UserID: &b.UserID}, 3},
		{"from", TollFilter{From: &from}, 4},
		{"limit", TollFilter{Limit: 2}, 2},
		{"offset past end", TollFilter{Limit: 10, Offset: 5}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.FindTolls(ctx, tt.filter)
			if err != nil {
				t.Fatalf("FindTolls() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("FindTolls() len = %d, want %d", len(got), tt.want)
			}
		})
	}

	got, _ := repo.FindTolls(ctx, TollFilter{})
	if !got[0].ChargedAt.After(got[len(got)-1].ChargedAt) {
		t.Error("tolls not ordered newest first")
	}
}

func TestTollRepository_Cameras(t *testing.T) {
	db := newTestDB(t)
	repo := NewTollRepository(db)
	ctx := context.Background()

	cam := &Camera{Name: "north-gate", CameraIP: "10.0.0.5", CameraPort: "554", CameraLocation: "NH48 km 12", CameraURL: "rtsp://10.0.0.5:554/stream"}
	if err := repo.CreateCamera(ctx, cam); err != nil {
		t.Fatalf("CreateCamera() error = %v", err)
	}
	if cam.ID == uuid.Nil {
		t.Error("camera id not assigned")
	}
	if err := repo.CreateCamera(ctx, &Camera{Name: "dup", CameraIP: "10.0.0.5", CameraPort: "554", CameraLocation: "x", CameraURL: "x"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate camera error = %v, want ErrDuplicate", err)
	}

	cams, err := repo.FindCameras(ctx)
	if err != nil {
		t.Fatalf("FindCameras() error = %v", err)
	}
	if len(cams) != 1 || cams[0].Name != "north-gate" {
		t.Errorf("FindCameras() = %+v", cams)
	}
}

func TestTollRepository_FindTollsPagingWithEqualTimes(t *testing.T) {
	db := newTestDB(t)
	repo := NewTollRepository(db)
	v, _ := seedVehicle(t, db, "MH12AB1234", 1000)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	const total = 7
	for i := 0; i < total; i++ {
		row := Toll{ID: uuid.New(), UserID: v.UserID, VehicleID: v.ID, Plate: v.VehicleNumber, Amount: 50, ChargedAt: at}
		if err := db.Create(&row).Error; err != nil {
			t.Fatalf("seed toll: %v", err)
		}
	}

	seen := make(map[uuid.UUID]bool)
	for offset := 0; offset < total; offset += 2 {
		page, err := repo.FindTolls(ctx, TollFilter{Limit: 2, Offset: offset})
		if err != nil {
			t.Fatalf("FindTolls() error = %v", err)
		}
		for _, row := range page {
			if seen[row.ID] {
				t.Errorf("toll %s returned on more than one page", row.ID)
			}
			seen[row.ID] = true
		}
	}
	if len(seen) != total {
		t.Errorf("paged through %d tolls, want %d", len(seen), total)
	}
}

func TestTollRepository_TollStations(t *testing.T) {
	db := newTestDB(t)
	repo := NewTollRepository(db)
	ctx := context.Background()

	cam := &Camera{Name: "north-gate", CameraIP: "10.0.0.5", CameraPort: "554", CameraLocation: "NH48 km 12", CameraURL: "rtsp://10.0.0.5:554/stream"}
	if err := repo.CreateCamera(ctx, cam); err != nil {
		t.Fatalf("CreateCamera() error = %v", err)
	}

	found, err := repo.FindCameraByID(ctx, cam.ID)
	if err != nil || found == nil || found.CameraIP != "10.0.0.5" {
		t.Fatalf("FindCameraByID() = %+v, %v", found, err)
	}
	missing, err := repo.FindCameraByID(ctx, uuid.New())
	if err != nil || missing != nil {
		t.Errorf("FindCameraByID(unknown) = %+v, %v, want nil, nil", missing, err)
	}

	station := &TollStation{Name: "Khed Shivapur", Latitude: 18.37, Longitude: 73.85, Location: "NH48", CameraID: cam.ID}
	if err := repo.CreateTollStation(ctx, station); err != nil {
		t.Fatalf("CreateTollStation() error = %v", err)
	}

	stations, err := repo.FindTollStations(ctx)
	if err != nil {
		t.Fatalf("FindTollStations() error = %v", err)
	}
	if len(stations) != 1 || stations[0].Camera.CameraIP != "10.0.0.5" {
		t.Errorf("FindTollStations() = %+v", stations)
	}
}
