package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"anpr-toll-service/internal/capture"
	"anpr-toll-service/internal/repository"
	"anpr-toll-service/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// TollReader is the read side of the toll store plus camera and toll station
// registration.
type TollReader interface {
	FindTolls(ctx context.Context, f repository.TollFilter) ([]repository.Toll, error)
	FindUnauthorized(ctx context.Context, limit, offset int) ([]repository.UnauthorizedVehicle, error)
	FindCameras(ctx context.Context) ([]repository.Camera, error)
	CreateCamera(ctx context.Context, camera *repository.Camera) error
	FindCameraByID(ctx context.Context, id uuid.UUID) (*repository.Camera, error)
	FindTollStations(ctx context.Context) ([]repository.TollStation, error)
	CreateTollStation(ctx context.Context, station *repository.TollStation) error
}

type TollQueryService struct {
	repo TollReader
	log  zerolog.Logger
}

func NewTollQueryService(repo TollReader, log zerolog.Logger) *TollQueryService {
	return &TollQueryService{
		repo: repo,
		log:  log,
	}
}

type TollQuery struct {
	Plate  *string
	From   *string
	To     *string
	Limit  int
	Offset int
}

func (s *TollQueryService) FindTolls(ctx context.Context, q TollQuery) ([]TollInfo, error) {
	filter, err := buildFilter(q)
	if err != nil {
		return nil, err
	}
	return s.findTolls(ctx, filter)
}

// FindUserTolls lists tolls charged to userID. Plate filters still apply.
func (s *TollQueryService) FindUserTolls(ctx context.Context, userID uuid.UUID, q TollQuery) ([]TollInfo, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	filter, err := buildFilter(q)
	if err != nil {
		return nil, err
	}
	filter.UserID = &userID
	return s.findTolls(ctx, filter)
}

func (s *TollQueryService) findTolls(ctx context.Context, filter repository.TollFilter) ([]TollInfo, error) {
	tolls, err := s.repo.FindTolls(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find tolls: %w", err)
	}

	result := make([]TollInfo, 0, len(tolls))
	for _, t := range tolls {
		result = append(result, TollInfo{
			ID:         t.ID.String(),
			UserID:     t.UserID.String(),
			VehicleID:  t.VehicleID.String(),
			Plate:      t.Plate,
			CameraID:   t.CameraID,
			Amount:     t.Amount,
			Confidence: t.Confidence,
			ChargedAt:  t.ChargedAt,
		})
	}
	return result, nil
}

func (s *TollQueryService) FindUnauthorized(ctx context.Context, limit, offset int) ([]UnauthorizedInfo, error) {
	limit, offset = clampPage(limit, offset)

	rows, err := s.repo.FindUnauthorized(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to find unauthorized vehicles: %w", err)
	}

	result := make([]UnauthorizedInfo, 0, len(rows))
	for _, r := range rows {
		result = append(result, UnauthorizedInfo{
			ID:          r.ID.String(),
			Plate:       r.VehicleNumber,
			CameraID:    r.CameraID,
			Confidence:  r.Confidence,
			SnapshotURL: r.SnapshotURL,
			Sightings:   r.Sightings,
			FirstSeenAt: r.FirstSeenAt,
			LastSeenAt:  r.LastSeenAt,
		})
	}
	return result, nil
}

func (s *TollQueryService) ListCameras(ctx context.Context) ([]CameraInfo, error) {
	cameras, err := s.repo.FindCameras(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	result := make([]CameraInfo, 0, len(cameras))
	for _, c := range cameras {
		result = append(result, cameraInfo(c))
	}
	return result, nil
}

type CameraInput struct {
	Name     string `json:"name"`
	IP       string `json:"camera_ip" binding:"required"`
	Port     string `json:"camera_port" binding:"required"`
	Location string `json:"camera_location" binding:"required"`
	URL      string `json:"camera_url" binding:"required"`
}

func (s *TollQueryService) RegisterCamera(ctx context.Context, in CameraInput) (*CameraInfo, error) {
	in.IP = strings.TrimSpace(in.IP)
	in.Port = strings.TrimSpace(in.Port)
	in.URL = strings.TrimSpace(in.URL)

	if net.ParseIP(in.IP) == nil {
		return nil, fmt.Errorf("%w: camera_ip must be an IP address", ErrInvalidInput)
	}
	if port, err := strconv.Atoi(in.Port); err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: camera_port must be between 1 and 65535", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Location) == "" {
		return nil, fmt.Errorf("%w: camera_location is required", ErrInvalidInput)
	}
	if u, err := url.Parse(in.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: camera_url must be an absolute URL", ErrInvalidInput)
	}

	camera := &repository.Camera{
		Name:           strings.TrimSpace(in.Name),
		CameraIP:       in.IP,
		CameraPort:     in.Port,
		CameraLocation: strings.TrimSpace(in.Location),
		CameraURL:      in.URL,
	}
	if err := s.repo.CreateCamera(ctx, camera); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: camera %s", ErrConflict, in.IP)
		}
		s.log.Error().Err(err).Str("camera_ip", in.IP).Msg("failed to register camera")
		return nil, fmt.Errorf("failed to register camera: %w", err)
	}

	s.log.Info().
		Str("camera_id", camera.ID.String()).
		Str("camera_ip", camera.CameraIP).
		Str("location", camera.CameraLocation).
		Msg("camera registered")

	info := cameraInfo(*camera)
	return &info, nil
}

func (s *TollQueryService) ListTollStations(ctx context.Context) ([]TollStationInfo, error) {
	stations, err := s.repo.FindTollStations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list toll stations: %w", err)
	}
	result := make([]TollStationInfo, 0, len(stations))
	for _, st := range stations {
		result = append(result, tollStationInfo(st))
	}
	return result, nil
}

type TollStationInput struct {
	Name      string   `json:"name" binding:"required"`
	Latitude  *float64 `json:"latitude" binding:"required"`
	Longitude *float64 `json:"longitude" binding:"required"`
	Location  string   `json:"location" binding:"required"`
	CameraID  string   `json:"camera_id" binding:"required"`
}

// RegisterTollStation attaches a new station to an existing camera.
func (s *TollQueryService) RegisterTollStation(ctx context.Context, in TollStationInput) (*TollStationInfo, error) {
	name := strings.TrimSpace(in.Name)
	location := strings.TrimSpace(in.Location)
	if name == "" || location == "" {
		return nil, fmt.Errorf("%w: name and location are required", ErrInvalidInput)
	}
	if in.Latitude == nil || *in.Latitude < -90 || *in.Latitude > 90 {
		return nil, fmt.Errorf("%w: latitude must be between -90 and 90", ErrInvalidInput)
	}
	if in.Longitude == nil || *in.Longitude < -180 || *in.Longitude > 180 {
		return nil, fmt.Errorf("%w: longitude must be between -180 and 180", ErrInvalidInput)
	}
	cameraID, err := uuid.Parse(strings.TrimSpace(in.CameraID))
	if err != nil {
		return nil, fmt.Errorf("%w: camera_id must be a uuid", ErrInvalidInput)
	}

	camera, err := s.repo.FindCameraByID(ctx, cameraID)
	if err != nil {
		return nil, fmt.Errorf("failed to find camera: %w", err)
	}
	if camera == nil {
		return nil, fmt.Errorf("%w: camera %s", ErrNotFound, cameraID)
	}

	station := &repository.TollStation{
		Name:      name,
		Latitude:  *in.Latitude,
		Longitude: *in.Longitude,
		Location:  location,
		CameraID:  camera.ID,
	}
	if err := s.repo.CreateTollStation(ctx, station); err != nil {
		s.log.Error().Err(err).Str("camera_id", cameraID.String()).Msg("failed to register toll station")
		return nil, fmt.Errorf("failed to register toll station: %w", err)
	}
	station.Camera = *camera

	s.log.Info().
		Str("station_id", station.ID.String()).
		Str("name", station.Name).
		Str("camera_id", cameraID.String()).
		Msg("toll station registered")

	info := tollStationInfo(*station)
	return &info, nil
}

func buildFilter(q TollQuery) (repository.TollFilter, error) {
	var filter repository.TollFilter

	if q.Plate != nil {
		normalized := utils.NormalizePlate(*q.Plate)
		if normalized != "" {
			filter.Plate = &normalized
		}
	}

	from, err := parseTime(q.From, "from")
	if err != nil {
		return filter, err
	}
	to, err := parseTime(q.To, "to")
	if err != nil {
		return filter, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return filter, fmt.Errorf("%w: to must not be before from", ErrInvalidInput)
	}
	filter.From, filter.To = from, to

	filter.Limit, filter.Offset = clampPage(q.Limit, q.Offset)
	return filter, nil
}

func parseTime(value *string, field string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *value)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s time format", ErrInvalidInput, field)
	}
	return &t, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func cameraInfo(c repository.Camera) CameraInfo {
	return CameraInfo{
		ID:       c.ID.String(),
		Name:     c.Name,
		IP:       c.CameraIP,
		Port:     c.CameraPort,
		Location: c.CameraLocation,
		URL:      capture.MaskAddress(c.CameraURL),
	}
}

func tollStationInfo(st repository.TollStation) TollStationInfo {
	return TollStationInfo{
		ID:        st.ID.String(),
		Name:      st.Name,
		Latitude:  st.Latitude,
		Longitude: st.Longitude,
		Location:  st.Location,
		Camera:    cameraInfo(st.Camera),
	}
}

type TollInfo struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	VehicleID  string    `json:"vehicle_id"`
	Plate      string    `json:"plate"`
	CameraID   *string   `json:"camera_id,omitempty"`
	Amount     int64     `json:"amount"`
	Confidence *float64  `json:"confidence,omitempty"`
	ChargedAt  time.Time `json:"charged_at"`
}

type UnauthorizedInfo struct {
	ID          string    `json:"id"`
	Plate       string    `json:"plate"`
	CameraID    *string   `json:"camera_id,omitempty"`
	Confidence  *float64  `json:"confidence,omitempty"`
	SnapshotURL *string   `json:"snapshot_url,omitempty"`
	Sightings   int       `json:"sightings"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

type CameraInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	IP       string `json:"camera_ip"`
	Port     string `json:"camera_port"`
	Location string `json:"camera_location"`
	URL      string `json:"camera_url"`
}

type TollStationInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Location  string     `json:"location"`
	Camera    CameraInfo `json:"camera"`
}
