// Package roster manages the student roster edited from the admin panel.
package roster

import (
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"vilniustech/student-portal/internal/database"
	"vilniustech/student-portal/internal/identity"
)

var (
	ErrNotFound           = errors.New("student not found")
	ErrInvalidInput       = errors.New("invalid student input")
	ErrDuplicateStudentID = errors.New("student id already exists")
	ErrProtected          = errors.New("student is linked to the administrator account")
)

const selectColumns = `id, name, surname, student_id, email, user_id, group_name, created_at`

type Service struct {
	db           *sqlx.DB
	resolver     *identity.Resolver
	storeTimeout time.Duration
	nowFunc      func() time.Time
}

type Option func(*Service)

// WithStoreTimeout bounds every store call; a deadline hit surfaces as
// database.ErrStoreUnavailable.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

func NewService(db *sqlx.DB, resolver *identity.Resolver, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	s := &Service{db: db, resolver: resolver, storeTimeout: database.DefaultStoreTimeout, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) Create(ctx context.Context, in Input) (Student, error) {
	in = in.normalized()
	if err := validate(in); err != nil {
		return Student{}, err
	}

	var st Student
	err := database.WithTimeout(ctx, s.storeTimeout, "create student", func(ctx context.Context) error {
		return s.db.QueryRowxContext(ctx, s.db.Rebind(`
			INSERT INTO students (name, surname, student_id, email, group_name, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING `+selectColumns),
			in.Name, in.Surname, in.StudentID, nullable(in.Email), nullable(in.GroupName), s.nowFunc().UnixMilli(),
		).StructScan(&st)
	})
	if errors.Is(err, database.ErrStoreUnavailable) {
		return Student{}, err
	}
	if err != nil {
		return Student{}, translate(err, "create student")
	}
	return st, nil
}

func (s *Service) List(ctx context.Context) ([]Student, error) {
	out := []Student{}
	err := database.WithTimeout(ctx, s.storeTimeout, "list students", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `SELECT `+selectColumns+` FROM students ORDER BY id`)
	})
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id int64) (Student, error) {
	var st Student
	err := database.WithTimeout(ctx, s.storeTimeout, "get student", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &st, s.db.Rebind(`SELECT `+selectColumns+` FROM students WHERE id = ?`), id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, ErrNotFound
	}
	if err != nil {
		return Student{}, fmt.Errorf("get student: %w", err)
	}
	return st, nil
}

func (s *Service) Update(ctx context.Context, id int64, in Input) (Student, error) {
	in = in.normalized()
	if err := validate(in); err != nil {
		return Student{}, err
	}

	var st Student
	err := database.WithTimeout(ctx, s.storeTimeout, "update student", func(ctx context.Context) error {
		return s.db.QueryRowxContext(ctx, s.db.Rebind(`
			UPDATE students SET name = ?, surname = ?, student_id = ?, email = ?, group_name = ?
			WHERE id = ?
			RETURNING `+selectColumns),
			in.Name, in.Surname, in.StudentID, nullable(in.Email), nullable(in.GroupName), id,
		).StructScan(&st)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, ErrNotFound
	}
	if errors.Is(err, database.ErrStoreUnavailable) {
		return Student{}, err
	}
	if err != nil {
		return Student{}, translate(err, "update student")
	}
	return st, nil
}

// Delete removes a roster row. A row linked to a user account removes the
// account too, and the foreign key cascade takes the roster row with it.
// The reserved administrator account is never removed this way.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return database.WithTimeout(ctx, s.storeTimeout, "delete student", func(ctx context.Context) error {
		return s.delete(ctx, id)
	})
}

func (s *Service) delete(ctx context.Context, id int64) error {
	return database.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		var userID sql.NullInt64
		err := tx.GetContext(ctx, &userID, tx.Rebind(`SELECT user_id FROM students WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load student: %w", err)
		}

		if userID.Valid {
			var owner struct {
				Username string         `db:"username"`
				Email    sql.NullString `db:"email"`
			}
			err := tx.GetContext(ctx, &owner, tx.Rebind(`SELECT username, email FROM users WHERE id = ?`), userID.Int64)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("load linked user: %w", err)
			default:
				if s.resolver.IsReservedAdmin(identity.Candidate{Username: owner.Username, Email: owner.Email.String}) {
					return ErrProtected
				}
				if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE id = ?`), userID.Int64); err != nil {
					return fmt.Errorf("delete linked user: %w", err)
				}
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM students WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete student: %w", err)
		}
		return nil
	})
}

type xmlStudents struct {
	XMLName  xml.Name     `xml:"students"`
	Students []xmlStudent `xml:"student"`
}

type xmlStudent struct {
	ID        int64  `xml:"id"`
	Name      string `xml:"name"`
	Surname   string `xml:"surname"`
	StudentID string `xml:"student_id"`
	Email     string `xml:"email"`
	Group     string `xml:"group"`
}

const xmlStylesheet = `<?xml-stylesheet type="text/xsl" href="/static/xsl/students.xsl"?>` + "\n"

// ExportXML writes the roster as an XML document linked to the roster stylesheet.
func (s *Service) ExportXML(ctx context.Context, w io.Writer) error {
	students, err := s.List(ctx)
	if err != nil {
		return err
	}

	doc := xmlStudents{Students: make([]xmlStudent, 0, len(students))}
	for _, st := range students {
		item := xmlStudent{ID: st.ID, Name: st.Name, Surname: st.Surname, StudentID: st.StudentID}
		if st.Email != nil {
			item.Email = *st.Email
		}
		if st.GroupName != nil {
			item.Group = *st.GroupName
		}
		doc.Students = append(doc.Students, item)
	}

	if _, err := io.WriteString(w, xml.Header+xmlStylesheet); err != nil {
		return fmt.Errorf("write xml header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode students xml: %w", err)
	}
	return nil
}

func validate(in Input) error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.Surname == "" {
		return fmt.Errorf("%w: surname is required", ErrInvalidInput)
	}
	if in.StudentID == "" {
		return fmt.Errorf("%w: student_id is required", ErrInvalidInput)
	}
	return nil
}

func translate(err error, op string) error {
	if target, ok := database.UniqueViolation(err); ok && strings.Contains(target, "student_id") {
		return ErrDuplicateStudentID
	}
	return fmt.Errorf("%s: %w", op, err)
}
