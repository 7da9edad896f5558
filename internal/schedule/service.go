// Package schedule manages the weekly class timetable administered per
// student group.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"vilniustech/student-portal/internal/database"
)

const (
	MaxGroupLength       = 80
	MaxSubjectLength     = 160
	MaxClassroomLength   = 80
	MaxLecturerLength    = 120
	MaxLectureTypeLength = 80

	PageSize = 10

	WeekAll = "all"
	Week1   = "week1"
	Week2   = "week2"
)

var (
	ErrInvalidInput = errors.New("invalid schedule entry")
	ErrNotFound     = errors.New("schedule entry not found")
)

type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// Slot is a fixed lecture period of the teaching day.
type Slot struct {
	Number int
	Start  string
	End    string
	Label  string
}

// StartMinute and EndMinute are minutes after midnight.
func (s Slot) StartMinute() int { return clockMinutes(s.Start) }

func (s Slot) EndMinute() int { return clockMinutes(s.End) }

// LectureSlots is the timetable every schedule entry is placed on.
var LectureSlots = []Slot{
	{1, "08:30", "10:05", "1st lecture"},
	{2, "10:20", "11:55", "2nd lecture"},
	{3, "12:10", "13:45", "3rd lecture"},
	{4, "14:30", "16:05", "4th lecture"},
	{5, "16:20", "17:55", "5th lecture"},
	{6, "18:10", "19:45", "6th lecture"},
	{7, "19:55", "21:30", "7th lecture"},
}

func SlotByNumber(n int) (Slot, bool) {
	for _, s := range LectureSlots {
		if s.Number == n {
			return s, true
		}
	}
	return Slot{}, false
}

func clockMinutes(v string) int {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return -1
	}
	return t.Hour()*60 + t.Minute()
}

var dayNames = [...]string{"", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// DayName maps 1..7 to Monday..Sunday.
func DayName(day int) string {
	if day < 1 || day > 7 {
		return ""
	}
	return dayNames[day]
}

type Entry struct {
	ID          int64   `db:"id" json:"id"`
	GroupName   string  `db:"group_name" json:"group_name"`
	DayOfWeek   int     `db:"day_of_week" json:"day_of_week"`
	StartTime   string  `db:"start_time" json:"start_time"`
	EndTime     string  `db:"end_time" json:"end_time"`
	Subject     string  `db:"subject" json:"subject"`
	Classroom   *string `db:"classroom" json:"classroom,omitempty"`
	Lecturer    *string `db:"lecturer" json:"lecturer,omitempty"`
	LectureType *string `db:"lecture_type" json:"lecture_type,omitempty"`
	WeekPattern string  `db:"week_pattern" json:"week_pattern"`
	CreatedBy   *int64  `db:"created_by" json:"created_by,omitempty"`
	CreatedAt   int64   `db:"created_at" json:"created_at"`
}

// SlotLabel names the lecture slot the entry occupies, or its raw time range
// when it matches none.
func (e Entry) SlotLabel() string {
	for _, s := range LectureSlots {
		if s.Start == e.StartTime && s.End == e.EndTime {
			return s.Label
		}
	}
	return e.StartTime + " - " + e.EndTime
}

// Input carries raw form values.
type Input struct {
	GroupName   string
	DayOfWeek   string
	LectureSlot string
	Subject     string
	Classroom   string
	Lecturer    string
	LectureType string
	WeekPattern string
}

// Filter narrows the admin listing. Zero values match everything.
type Filter struct {
	GroupName   string
	DayOfWeek   int
	WeekPattern string
	Page        int
}

// ParseFilter reads query values, dropping the ones that do not parse.
func ParseFilter(group, day, week, page string) Filter {
	f := Filter{GroupName: strings.TrimSpace(group), Page: 1}
	if d, ok := parseDay(day); ok {
		f.DayOfWeek = d
	}
	switch w := strings.TrimSpace(week); w {
	case WeekAll, Week1, Week2:
		f.WeekPattern = w
	}
	if p, err := strconv.Atoi(strings.TrimSpace(page)); err == nil && p > 0 {
		f.Page = p
	}
	return f
}

func (f Filter) Active() bool {
	return f.GroupName != "" || f.DayOfWeek != 0 || f.WeekPattern != ""
}

// Page is one page of filtered entries. Number is clamped to the last page.
type Page struct {
	Entries []Entry
	Total   int
	Number  int
	Pages   int
	Size    int
}

// NormalizeWeekPattern maps anything but week1 and week2 to all.
func NormalizeWeekPattern(v string) string {
	switch w := strings.ToLower(strings.TrimSpace(v)); w {
	case Week1, Week2:
		return w
	}
	return WeekAll
}

func parseDay(v string) (int, bool) {
	d, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || d < 1 || d > 7 {
		return 0, false
	}
	return d, true
}

type Service struct {
	db           *sqlx.DB
	storeTimeout time.Duration
	nowFunc      func() time.Time
}

type Option func(*Service)

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

func NewService(db *sqlx.DB, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &Service{db: db, storeTimeout: database.DefaultStoreTimeout, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const entryColumns = `id, group_name, day_of_week, start_time, end_time, subject, classroom,
	lecturer, lecture_type, week_pattern, created_by, created_at`

// Create validates in and stores it on the slot it names.
func (s *Service) Create(ctx context.Context, createdBy int64, in Input) (Entry, error) {
	group := strings.TrimSpace(in.GroupName)
	subject := strings.TrimSpace(in.Subject)
	classroom := strings.TrimSpace(in.Classroom)
	lecturer := strings.TrimSpace(in.Lecturer)
	lectureType := strings.TrimSpace(in.LectureType)
	day, dayOK := parseDay(in.DayOfWeek)
	n, _ := strconv.Atoi(strings.TrimSpace(in.LectureSlot))
	slot, slotOK := SlotByNumber(n)

	if group == "" || !dayOK || !slotOK || subject == "" {
		return Entry{}, &InputError{Message: "Group, day, lecture slot and subject are required"}
	}
	if slot.StartMinute() >= slot.EndMinute() {
		return Entry{}, &InputError{Message: "End time must be after start time"}
	}
	if tooLong(group, MaxGroupLength) || tooLong(subject, MaxSubjectLength) ||
		tooLong(classroom, MaxClassroomLength) || tooLong(lecturer, MaxLecturerLength) ||
		tooLong(lectureType, MaxLectureTypeLength) {
		return Entry{}, &InputError{Message: "One or more fields exceed allowed length"}
	}

	var e Entry
	err := database.WithTimeout(ctx, s.storeTimeout, "create schedule entry", func(ctx context.Context) error {
		return s.db.QueryRowxContext(ctx, s.db.Rebind(`INSERT INTO schedules
			(group_name, day_of_week, start_time, end_time, subject, classroom, lecturer, lecture_type, week_pattern, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING `+entryColumns),
			group, day, slot.Start, slot.End, subject,
			nullable(classroom), nullable(lecturer), nullable(lectureType),
			NormalizeWeekPattern(in.WeekPattern), createdBy, s.nowFunc().UnixMilli(),
		).StructScan(&e)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("insert schedule entry: %w", err)
	}
	return e, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	var n int64
	err := database.WithTimeout(ctx, s.storeTimeout, "delete schedule entry", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM schedules WHERE id = ?`), id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete schedule entry: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns one page of entries ordered by group, day and start time.
func (s *Service) List(ctx context.Context, f Filter) (Page, error) {
	var where []string
	var args []any
	if f.GroupName != "" {
		where = append(where, "trim(group_name) = ?")
		args = append(args, f.GroupName)
	}
	if f.DayOfWeek != 0 {
		where = append(where, "day_of_week = ?")
		args = append(args, f.DayOfWeek)
	}
	if f.WeekPattern != "" {
		where = append(where, "week_pattern = ?")
		args = append(args, f.WeekPattern)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	p := Page{Entries: []Entry{}, Size: PageSize}
	err := database.WithTimeout(ctx, s.storeTimeout, "list schedule entries", func(ctx context.Context) error {
		if err := s.db.GetContext(ctx, &p.Total, s.db.Rebind(`SELECT COUNT(*) FROM schedules`+clause), args...); err != nil {
			return err
		}
		p.Pages = max(1, (p.Total+PageSize-1)/PageSize)
		p.Number = min(max(f.Page, 1), p.Pages)
		return s.db.SelectContext(ctx, &p.Entries, s.db.Rebind(`SELECT `+entryColumns+`
			FROM schedules`+clause+`
			ORDER BY lower(trim(group_name)) ASC, day_of_week ASC, start_time ASC, id ASC
			LIMIT ? OFFSET ?`), append(args, PageSize, (p.Number-1)*PageSize)...)
	})
	if err != nil {
		return Page{}, fmt.Errorf("list schedule entries: %w", err)
	}
	return p, nil
}

// Groups lists the distinct group names on the roster.
func (s *Service) Groups(ctx context.Context) ([]string, error) {
	out := []string{}
	err := database.WithTimeout(ctx, s.storeTimeout, "list schedule groups", func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &out, `SELECT DISTINCT trim(group_name) AS group_name
			FROM students
			WHERE group_name IS NOT NULL AND trim(group_name) <> ''
			ORDER BY group_name ASC`)
	})
	if err != nil {
		return nil, fmt.Errorf("list schedule groups: %w", err)
	}
	return out, nil
}

func tooLong(v string, limit int) bool {
	return utf8.RuneCountInString(v) > limit
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
