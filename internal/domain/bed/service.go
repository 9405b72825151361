// Package bed allocates hospital beds. Occupancy changes (assign, transfer,
// discharge) take the caller's transaction and are reachable only through
// the admission coordinator.
package bed

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/store"
	"github.com/ehr/intake/internal/platform/txrun"
)

type Service struct {
	run    *txrun.Runner
	logger zerolog.Logger
}

func NewService(run *txrun.Runner, logger zerolog.Logger) *Service {
	return &Service{run: run, logger: logger.With().Str("component", "bed").Logger()}
}

// -- Wards --

func (s *Service) CreateWard(ctx context.Context, req CreateWardRequest) (*Ward, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	name := strings.TrimSpace(req.Name)
	if code == "" || name == "" {
		return nil, apperr.Validation("code and name are required")
	}
	var w *Ward
	err := s.run.Do(ctx, txrun.Op{Name: "create_ward"}, func(tx *txrun.Tx) error {
		w = &Ward{ID: uuid.NewString(), Code: code, Name: name, WardType: strings.TrimSpace(req.WardType), CreatedAt: tx.Now}
		_, err := store.PutJSON(tx, kindWardCode, code, 0, map[string]string{"ward_id": w.ID})
		if errors.Is(err, store.ErrExists) {
			return apperr.New(apperr.AlreadyExists, "ward code %s is already in use", code)
		}
		if err != nil {
			return err
		}
		if w.Version, err = store.PutJSON(tx, KindWard, w.ID, 0, w); err != nil {
			return err
		}
		tx.Emit("ward.created", KindWard, w.ID, w)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("ward_id", w.ID).Str("code", code).Msg("ward created")
	return w, nil
}

// ListWards returns wards ordered by code.
func (s *Service) ListWards(ctx context.Context) ([]*Ward, error) {
	var out []*Ward
	err := s.run.Read(ctx, func(tx store.Tx) error {
		return store.ListJSON(tx, KindWard, func(data []byte, version int64) error {
			var w Ward
			if err := json.Unmarshal(data, &w); err != nil {
				return err
			}
			w.Version = version
			out = append(out, &w)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func getWard(tx store.Tx, id string) (*Ward, error) {
	var w Ward
	ver, err := store.GetJSON(tx, KindWard, id, &w)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("ward %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	w.Version = ver
	return &w, nil
}

// -- Beds --

func (s *Service) CreateBed(ctx context.Context, req CreateBedRequest) (*Bed, error) {
	number := strings.TrimSpace(req.BedNumber)
	if req.WardID == "" || number == "" {
		return nil, apperr.Validation("ward_id and bed_number are required")
	}
	var b *Bed
	err := s.run.Do(ctx, txrun.Op{Name: "create_bed"}, func(tx *txrun.Tx) error {
		if _, err := getWard(tx, req.WardID); err != nil {
			return err
		}
		_, err := store.PutJSON(tx, kindBedNumber, req.WardID+"/"+strings.ToUpper(number), 0, map[string]string{"bed_number": number})
		if errors.Is(err, store.ErrExists) {
			return apperr.New(apperr.AlreadyExists, "bed %s already exists in ward %s", number, req.WardID)
		}
		if err != nil {
			return err
		}
		b = &Bed{
			ID:             uuid.NewString(),
			BedNumber:      number,
			WardID:         req.WardID,
			Status:         StatusAvailable,
			CleaningStatus: CleaningClean,
			CreatedAt:      tx.Now,
		}
		if err := putBed(tx, b); err != nil {
			return err
		}
		tx.Emit("bed.created", KindBed, b.ID, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("bed_id", b.ID).Str("ward_id", b.WardID).Str("bed_number", number).Msg("bed created")
	return b, nil
}

func (s *Service) GetBed(ctx context.Context, id string) (*Bed, error) {
	var b *Bed
	err := s.run.Read(ctx, func(tx store.Tx) error {
		var err error
		b, err = getBed(tx, id)
		return err
	})
	return b, err
}

// ListBeds returns beds ordered by ward then bed number. Empty filters match
// everything.
func (s *Service) ListBeds(ctx context.Context, wardID string, status Status) ([]*Bed, error) {
	if status != "" && !status.Valid() {
		return nil, apperr.Validation("unknown bed status %q", status)
	}
	var out []*Bed
	err := s.run.Read(ctx, func(tx store.Tx) error {
		return store.ListJSON(tx, KindBed, func(data []byte, version int64) error {
			var b Bed
			if err := json.Unmarshal(data, &b); err != nil {
				return err
			}
			b.Version = version
			if (wardID == "" || b.WardID == wardID) && (status == "" || b.Status == status) {
				out = append(out, &b)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WardID != out[j].WardID {
			return out[i].WardID < out[j].WardID
		}
		return out[i].BedNumber < out[j].BedNumber
	})
	return out, nil
}

func getBed(tx store.Tx, id string) (*Bed, error) {
	var b Bed
	ver, err := store.GetJSON(tx, KindBed, id, &b)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("bed %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	b.Version = ver
	return &b, nil
}

func putBed(tx *txrun.Tx, b *Bed) error {
	b.UpdatedAt = tx.Now
	ver, err := store.PutJSON(tx, KindBed, b.ID, b.Version, b)
	if err != nil {
		return err
	}
	b.Version = ver
	return nil
}

// GetBedTx reads a bed inside the caller's transaction.
func (s *Service) GetBedTx(tx store.Tx, id string) (*Bed, error) {
	return getBed(tx, id)
}

// WardOccupancy summarises every ward's beds.
func (s *Service) WardOccupancy(ctx context.Context) ([]WardOccupancy, error) {
	wards, err := s.ListWards(ctx)
	if err != nil {
		return nil, err
	}
	beds, err := s.ListBeds(ctx, "", "")
	if err != nil {
		return nil, err
	}
	return occupancy(wards, beds), nil
}

func occupancy(wards []*Ward, beds []*Bed) []WardOccupancy {
	out := make([]WardOccupancy, 0, len(wards))
	index := make(map[string]int, len(wards))
	for i, w := range wards {
		index[w.ID] = i
		occ := WardOccupancy{WardID: w.ID, Code: w.Code, Name: w.Name, ByStatus: make(map[Status]int, len(statuses))}
		for _, st := range statuses {
			occ.ByStatus[st] = 0
		}
		out = append(out, occ)
	}
	for _, b := range beds {
		i, ok := index[b.WardID]
		if !ok {
			continue
		}
		occ := &out[i]
		occ.Total++
		occ.ByStatus[b.Status]++
		switch b.Status {
		case StatusOccupied:
			occ.Occupied++
		case StatusAvailable:
			occ.Available++
		}
	}
	for i := range out {
		if out[i].Total > 0 {
			out[i].OccupancyPct = float64(out[i].Occupied) * 100 / float64(out[i].Total)
		}
	}
	return out
}
