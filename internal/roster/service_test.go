package roster

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vilniustech/student-portal/internal/database"
	"vilniustech/student-portal/internal/database/dbtest"
	"vilniustech/student-portal/internal/identity"
)

func newTestService(t *testing.T) (*Service, *sqlx.DB) {
	t.Helper()
	db := dbtest.Open(t)
	svc, err := NewService(db, identity.NewResolver(""))
	require.NoError(t, err)
	svc.nowFunc = func() time.Time { return time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC) }
	return svc, db
}

func TestServiceCRUD(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	created, err := svc.Create(ctx, Input{Name: " Jonas ", Surname: "Jonaitis", StudentID: "20231234", Email: "Jonas@Stud.vilniustech.lt", GroupName: "PRIf-23"})
	require.NoError(t, err)
	assert.Equal(t, "Jonas", created.Name)
	require.NotNil(t, created.Email)
	assert.Equal(t, "jonas@stud.vilniustech.lt", *created.Email)
	assert.Nil(t, created.UserID)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	updated, err := svc.Update(ctx, created.ID, Input{Name: "Jonas", Surname: "Petraitis", StudentID: "20231234"})
	require.NoError(t, err)
	assert.Equal(t, "Petraitis", updated.Surname)
	assert.Nil(t, updated.Email)
	assert.Nil(t, updated.GroupName)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, svc.Delete(ctx, created.ID))
	_, err = svc.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, created.ID), ErrNotFound)
}

func TestServiceValidation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), Input{Name: "Jonas", StudentID: "1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Update(context.Background(), 1, Input{Surname: "x", StudentID: "1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestServiceDuplicateStudentID(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, Input{Name: "A", Surname: "B", StudentID: "S-1"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, Input{Name: "C", Surname: "D", StudentID: "S-1"})
	assert.ErrorIs(t, err, ErrDuplicateStudentID)
}

func TestServiceUpdateMissing(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Update(context.Background(), 404, Input{Name: "A", Surname: "B", StudentID: "S"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCascadesToLinkedAccount(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	userID := dbtest.InsertUser(t, db, "alice", "alice@stud.vilniustech.lt")
	var rosterID int64
	require.NoError(t, db.QueryRowx(
		`INSERT INTO students (name, surname, student_id, user_id) VALUES ('Alice', 'A', ?, ?) RETURNING id`,
		AutoStudentID(userID), userID,
	).Scan(&rosterID))

	require.NoError(t, svc.Delete(ctx, rosterID))

	var users int
	require.NoError(t, db.Get(&users, `SELECT COUNT(*) FROM users WHERE id = ?`, userID))
	assert.Zero(t, users)
	_, err := svc.Get(ctx, rosterID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRefusesReservedAdmin(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	adminID := dbtest.InsertUser(t, db, "admin@vilniustech.lt", "admin@vilniustech.lt")
	var rosterID int64
	require.NoError(t, db.QueryRowx(
		`INSERT INTO students (name, surname, student_id, user_id) VALUES ('Admin', 'User', 'ADM', ?) RETURNING id`, adminID,
	).Scan(&rosterID))

	assert.ErrorIs(t, svc.Delete(ctx, rosterID), ErrProtected)

	var users int
	require.NoError(t, db.Get(&users, `SELECT COUNT(*) FROM users WHERE id = ?`, adminID))
	assert.Equal(t, 1, users)
}

func TestExportXML(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Create(ctx, Input{Name: "Ona", Surname: "O<K>", StudentID: "S-9", GroupName: "G1"})
	require.NoError(t, err)

	var b strings.Builder
	require.NoError(t, svc.ExportXML(ctx, &b))
	out := b.String()

	assert.True(t, strings.HasPrefix(out, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.Contains(t, out, `<?xml-stylesheet type="text/xsl" href="/static/xsl/students.xsl"?>`)
	assert.Contains(t, out, "<student_id>S-9</student_id>")
	assert.Contains(t, out, "<surname>O&lt;K&gt;</surname>")
	assert.Contains(t, out, "<group>G1</group>")
	assert.Contains(t, out, "<email></email>")
}

func TestListQueryShape(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	svc, err := NewService(sqlx.NewDb(raw, "sqlmock"), identity.NewResolver(""))
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "name", "surname", "student_id", "email", "user_id", "group_name", "created_at"}).
		AddRow(1, "A", "B", "S-1", nil, nil, nil, 0)
	mock.ExpectQuery("SELECT id, name, surname, student_id, email, user_id, group_name, created_at FROM students ORDER BY id").
		WillReturnRows(rows)

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "S-1", list[0].StudentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAutoStudentID(t *testing.T) {
	assert.Equal(t, "REG-AUTO-42", AutoStudentID(42))
}

func TestStalledStoreSurfacesAsUnavailable(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	svc, err := NewService(sqlx.NewDb(raw, "sqlmock"), identity.NewResolver(""), WithStoreTimeout(20*time.Millisecond))
	require.NoError(t, err)

	mock.ExpectQuery("FROM students ORDER BY id").
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = svc.List(context.Background())
	require.ErrorIs(t, err, database.ErrStoreUnavailable)

	mock.ExpectBegin().WillDelayFor(time.Second)
	err = svc.Delete(context.Background(), 1)
	require.ErrorIs(t, err, database.ErrStoreUnavailable)
}
