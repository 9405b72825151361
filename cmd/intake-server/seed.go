package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/intake/internal/domain/bed"
	"github.com/ehr/intake/internal/domain/dispatch"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
)

// fixture is the seed file layout:
//
//	wards:
//	  - code: ICU
//	    name: Intensive Care
//	    ward_type: critical
//	    beds: ["1", "2"]
//	units:
//	  - call_sign: MEDIC-1
//	    vehicle_number: V-100
//	    crew:
//	      - name: A. Paramedic
//	        role: paramedic
type fixture struct {
	Wards []wardFixture `yaml:"wards"`
	Units []unitFixture `yaml:"units"`
}

type wardFixture struct {
	Code     string   `yaml:"code"`
	Name     string   `yaml:"name"`
	WardType string   `yaml:"ward_type"`
	Beds     []string `yaml:"beds"`
}

type unitFixture struct {
	CallSign      string `yaml:"call_sign"`
	VehicleNumber string `yaml:"vehicle_number"`
	Crew          []struct {
		Name          string `yaml:"name"`
		Role          string `yaml:"role"`
		Certification string `yaml:"certification"`
	} `yaml:"crew"`
}

func parseFixture(r io.Reader) (*fixture, error) {
	var f fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	return &f, nil
}

// seedResult counts what a seed run created and what already existed.
type seedResult struct {
	Wards, Beds, Units int
	Skipped            int
}

// seed creates the fixture's wards, beds and units. Records that already
// exist are skipped, so a fixture can be applied more than once.
func seed(ctx context.Context, beds *bed.Service, units *dispatch.Service, f *fixture) (seedResult, error) {
	var res seedResult
	ctx = auth.WithIdentity(ctx, "seed", []string{auth.RoleAdmin})

	existing, err := beds.ListWards(ctx)
	if err != nil {
		return res, err
	}
	wardIDs := make(map[string]string, len(existing))
	for _, w := range existing {
		wardIDs[w.Code] = w.ID
	}

	for _, wf := range f.Wards {
		id, ok := wardIDs[wf.Code]
		if !ok {
			w, err := beds.CreateWard(ctx, bed.CreateWardRequest{Code: wf.Code, Name: wf.Name, WardType: wf.WardType})
			if err != nil {
				return res, fmt.Errorf("ward %s: %w", wf.Code, err)
			}
			id = w.ID
			wardIDs[wf.Code] = id
			res.Wards++
		} else {
			res.Skipped++
		}
		for _, number := range wf.Beds {
			_, err := beds.CreateBed(ctx, bed.CreateBedRequest{WardID: id, BedNumber: number})
			switch {
			case apperr.IsKind(err, apperr.AlreadyExists):
				res.Skipped++
			case err != nil:
				return res, fmt.Errorf("bed %s/%s: %w", wf.Code, number, err)
			default:
				res.Beds++
			}
		}
	}

	for _, uf := range f.Units {
		req := dispatch.CreateUnitRequest{CallSign: uf.CallSign, VehicleNumber: uf.VehicleNumber}
		for _, c := range uf.Crew {
			req.Crew = append(req.Crew, dispatch.CrewMember{Name: c.Name, Role: c.Role, Certification: c.Certification})
		}
		_, err := units.CreateUnit(ctx, req)
		switch {
		case apperr.IsKind(err, apperr.AlreadyExists):
			res.Skipped++
		case err != nil:
			return res, fmt.Errorf("unit %s: %w", uf.CallSign, err)
		default:
			res.Units++
		}
	}
	return res, nil
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load wards, beds and units from a YAML fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			fh, err := os.Open(path)
			if err != nil {
				return err
			}
			defer fh.Close()
			f, err := parseFixture(fh)
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := seed(ctx, a.beds, a.dispatch, f)
			if err != nil {
				return err
			}
			logger.Info().
				Int("wards", res.Wards).
				Int("beds", res.Beds).
				Int("units", res.Units).
				Int("skipped", res.Skipped).
				Msg("seed complete")
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the YAML fixture")
	return cmd
}
