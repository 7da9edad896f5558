package httpserver

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"vilniustech/student-portal/internal/audit"
	"vilniustech/student-portal/internal/observability"
	"vilniustech/student-portal/internal/roster"
	"vilniustech/student-portal/internal/session"
)

const studentsPath = "/admin/students"

func (h *handler) registerStudentRoutes(r *mux.Router) {
	r.Use(h.requireUser, h.requireAdmin)
	r.HandleFunc("", h.listStudents).Methods(http.MethodGet)
	r.HandleFunc("/", h.listStudents).Methods(http.MethodGet)
	r.HandleFunc("", h.createStudent).Methods(http.MethodPost)
	r.HandleFunc("/new", h.newStudentForm).Methods(http.MethodGet)
	r.HandleFunc("/xml", h.exportStudentsXML).Methods(http.MethodGet)
	r.HandleFunc("/{id:[0-9]+}/edit", h.editStudentForm).Methods(http.MethodGet)
	r.HandleFunc("/{id:[0-9]+}", h.updateStudent).Methods(http.MethodPost)
	r.HandleFunc("/{id:[0-9]+}/delete", h.deleteStudent).Methods(http.MethodPost)
}

type studentForm struct {
	Action string
	Input  roster.Input
}

func studentInput(r *http.Request) roster.Input {
	return roster.Input{
		Name:      r.PostFormValue("name"),
		Surname:   r.PostFormValue("surname"),
		StudentID: r.PostFormValue("student_id"),
		Email:     r.PostFormValue("email"),
		GroupName: r.PostFormValue("group_name"),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (h *handler) listStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.deps.Roster.List(r.Context())
	if isUnavailable(err) {
		unavailable(w, r)
		return
	}
	if err != nil {
		observability.LogError(h.log, "list students failed", err)
		flashRedirect(w, r, session.FlashError, "Could not load students", "/dashboard")
		return
	}
	h.render(w, r, http.StatusOK, "students", "Students", nil, students)
}

func (h *handler) newStudentForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "student_form", "Add student", nil, studentForm{Action: studentsPath})
}

func (h *handler) createStudent(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Roster.Create(r.Context(), studentInput(r))
	if isUnavailable(err) {
		unavailable(w, r)
		return
	}
	if err != nil {
		if !errors.Is(err, roster.ErrInvalidInput) && !errors.Is(err, roster.ErrDuplicateStudentID) {
			observability.LogError(h.log, "create student failed", err)
		}
		h.auditReq(r, "", "roster.create", "", audit.OutcomeFailed, err.Error())
		flashRedirect(w, r, session.FlashError, "Error adding student (ID might be duplicate)", studentsPath+"/new")
		return
	}
	h.auditReq(r, "", "roster.create", strconv.FormatInt(st.ID, 10), audit.OutcomeSuccess, st.StudentID)
	flashRedirect(w, r, session.FlashSuccess, "Student added successfully", studentsPath)
}

func (h *handler) editStudentForm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		flashRedirect(w, r, session.FlashError, "Student not found", studentsPath)
		return
	}
	st, err := h.deps.Roster.Get(r.Context(), id)
	if isUnavailable(err) {
		unavailable(w, r)
		return
	}
	if err != nil {
		if !errors.Is(err, roster.ErrNotFound) {
			observability.LogError(h.log, "load student failed", err, "id", id)
		}
		flashRedirect(w, r, session.FlashError, "Student not found", studentsPath)
		return
	}
	h.render(w, r, http.StatusOK, "student_form", "Edit student", nil, studentForm{
		Action: studentsPath + "/" + strconv.FormatInt(st.ID, 10),
		Input: roster.Input{
			Name:      st.Name,
			Surname:   st.Surname,
			StudentID: st.StudentID,
			Email:     deref(st.Email),
			GroupName: deref(st.GroupName),
		},
	})
}

func (h *handler) updateStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		flashRedirect(w, r, session.FlashError, "Student not found", studentsPath)
		return
	}
	target := strconv.FormatInt(id, 10)
	_, err := h.deps.Roster.Update(r.Context(), id, studentInput(r))
	switch {
	case err == nil:
		h.auditReq(r, "", "roster.update", target, audit.OutcomeSuccess, "")
		flashRedirect(w, r, session.FlashSuccess, "Student updated successfully", studentsPath)
	case errors.Is(err, roster.ErrNotFound):
		flashRedirect(w, r, session.FlashError, "Student not found", studentsPath)
	case isUnavailable(err):
		unavailable(w, r)
	default:
		if !errors.Is(err, roster.ErrInvalidInput) && !errors.Is(err, roster.ErrDuplicateStudentID) {
			observability.LogError(h.log, "update student failed", err, "id", id)
		}
		h.auditReq(r, "", "roster.update", target, audit.OutcomeFailed, err.Error())
		flashRedirect(w, r, session.FlashError, "Error updating student", studentsPath+"/"+target+"/edit")
	}
}

func (h *handler) deleteStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		flashRedirect(w, r, session.FlashError, "Student not found", studentsPath)
		return
	}
	target := strconv.FormatInt(id, 10)
	err := h.deps.Roster.Delete(r.Context(), id)
	switch {
	case err == nil:
		h.auditReq(r, "", "roster.delete", target, audit.OutcomeSuccess, "")
		flashRedirect(w, r, session.FlashSuccess, "Student deleted successfully", studentsPath)
	case errors.Is(err, roster.ErrNotFound):
		flashRedirect(w, r, session.FlashError, "Student not found", studentsPath)
	case isUnavailable(err):
		unavailable(w, r)
	case errors.Is(err, roster.ErrProtected):
		h.auditReq(r, "", "roster.delete", target, audit.OutcomeDenied, "linked to administrator")
		flashRedirect(w, r, session.FlashError, "The administrator account cannot be deleted", studentsPath)
	default:
		observability.LogError(h.log, "delete student failed", err, "id", id)
		h.auditReq(r, "", "roster.delete", target, audit.OutcomeFailed, "internal error")
		flashRedirect(w, r, session.FlashError, "Error deleting student", studentsPath)
	}
}

func (h *handler) exportStudentsXML(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	err := h.deps.Roster.ExportXML(r.Context(), &buf)
	if isUnavailable(err) {
		unavailable(w, r)
		return
	}
	if err != nil {
		observability.LogError(h.log, "export students failed", err)
		flashRedirect(w, r, session.FlashError, "Could not export students", studentsPath)
		return
	}
	h.auditReq(r, "", "roster.export", "", audit.OutcomeSuccess, "")
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", `attachment; filename="students.xml"`)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
