package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/langchou/fordgazer/internal/models"
	"github.com/langchou/fordgazer/internal/normalize"
)

// VehicleRepository 车辆档案仓库
type VehicleRepository struct {
	db *DB
}

// NewVehicleRepository 创建车辆仓库
func NewVehicleRepository(db *DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

// Upsert 创建或更新车辆
func (r *VehicleRepository) Upsert(ctx context.Context, v *models.Vehicle) error {
	query := `
		INSERT INTO vehicles (vin, year, model, engine_type, supports_remote_start, supports_guard_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (vin) DO UPDATE SET
			year = EXCLUDED.year,
			model = EXCLUDED.model,
			engine_type = EXCLUDED.engine_type,
			supports_remote_start = EXCLUDED.supports_remote_start,
			supports_guard_mode = EXCLUDED.supports_guard_mode,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`
	now := time.Now()
	err := r.db.Pool.QueryRow(ctx, query,
		v.VIN,
		v.Year,
		v.Model,
		v.EngineType,
		v.SupportsRemoteStart,
		v.SupportsGuardMode,
		now,
		now,
	).Scan(&v.ID, &v.CreatedAt)

	if err != nil {
		return fmt.Errorf("upsert vehicle: %w", err)
	}

	v.UpdatedAt = now
	return nil
}

// UpsertProfile 保存由 dashboard 推导的车辆档案
func (r *VehicleRepository) UpsertProfile(ctx context.Context, vc normalize.VehicleContext) error {
	return r.Upsert(ctx, &models.Vehicle{
		VIN:                 vc.VIN,
		Year:                vc.Year,
		Model:               vc.Model,
		EngineType:          vc.EngineType,
		SupportsRemoteStart: vc.SupportsRemoteStart,
		SupportsGuardMode:   vc.SupportsGuardMode,
	})
}

// GetByVIN 通过 VIN 获取车辆
func (r *VehicleRepository) GetByVIN(ctx context.Context, vin string) (*models.Vehicle, error) {
	query := `
		SELECT id, vin, year, model, engine_type, supports_remote_start, supports_guard_mode, created_at, updated_at
		FROM vehicles WHERE vin = $1
	`
	v := &models.Vehicle{}
	err := r.db.Pool.QueryRow(ctx, query, vin).Scan(
		&v.ID,
		&v.VIN,
		&v.Year,
		&v.Model,
		&v.EngineType,
		&v.SupportsRemoteStart,
		&v.SupportsGuardMode,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get vehicle by vin: %w", err)
	}
	return v, nil
}

// List 获取所有车辆
func (r *VehicleRepository) List(ctx context.Context) ([]*models.Vehicle, error) {
	query := `
		SELECT id, vin, year, model, engine_type, supports_remote_start, supports_guard_mode, created_at, updated_at
		FROM vehicles ORDER BY vin
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []*models.Vehicle
	for rows.Next() {
		v := &models.Vehicle{}
		if err := rows.Scan(
			&v.ID,
			&v.VIN,
			&v.Year,
			&v.Model,
			&v.EngineType,
			&v.SupportsRemoteStart,
			&v.SupportsGuardMode,
			&v.CreatedAt,
			&v.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}
