package roster

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the YAML shape of a roster seed:
//
//	students:
//	  - name: Jordan Diaz
//	    grade: "7"
//	    parent:
//	      name: Alex Diaz
//	      relationship: mother
//	      phone: "+15551234567"
//	    absences:
//	      - date: 2026-01-12
//	        excused: false
//	        reason: no call received
type seedFile struct {
	Students []seedStudent `yaml:"students"`
}

type seedStudent struct {
	Name     string        `yaml:"name"`
	Grade    string        `yaml:"grade"`
	Parent   seedParent    `yaml:"parent"`
	Absences []seedAbsence `yaml:"absences"`
}

type seedParent struct {
	Name         string `yaml:"name"`
	Relationship string `yaml:"relationship"`
	Phone        string `yaml:"phone"`
}

type seedAbsence struct {
	Date    string `yaml:"date"`
	Excused bool   `yaml:"excused"`
	Reason  string `yaml:"reason"`
}

// SeedFromFile imports a YAML roster seed. Students already present (by
// name) are skipped, so re-running at boot is safe.
func (s *Store) SeedFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading roster seed: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing roster seed %s: %w", path, err)
	}

	imported := 0
	for _, st := range seed.Students {
		if st.Name == "" {
			return fmt.Errorf("roster seed %s: student with empty name", path)
		}
		if _, exists, err := s.FindStudent(ctx, st.Name); err != nil {
			return err
		} else if exists {
			continue
		}

		id, err := s.AddStudent(ctx, Student{
			Name:               st.Name,
			Grade:              st.Grade,
			ParentName:         st.Parent.Name,
			ParentRelationship: st.Parent.Relationship,
			ParentPhone:        st.Parent.Phone,
		})
		if err != nil {
			return err
		}
		for _, a := range st.Absences {
			if err := s.RecordAbsence(ctx, Absence{
				StudentID: id,
				Date:      a.Date,
				Excused:   a.Excused,
				Reason:    a.Reason,
			}); err != nil {
				return err
			}
		}
		imported++
	}

	slog.Info("roster seed imported", "path", path, "students", imported)
	return nil
}
