package roster

import (
	"fmt"
	"strings"
)

// AutoStudentIDPrefix marks roster rows provisioned by self-registration.
const AutoStudentIDPrefix = "REG-AUTO-"

func AutoStudentID(userID int64) string {
	return fmt.Sprintf("%s%d", AutoStudentIDPrefix, userID)
}

type Student struct {
	ID        int64   `db:"id" json:"id"`
	Name      string  `db:"name" json:"name"`
	Surname   string  `db:"surname" json:"surname"`
	StudentID string  `db:"student_id" json:"student_id"`
	Email     *string `db:"email" json:"email,omitempty"`
	UserID    *int64  `db:"user_id" json:"user_id,omitempty"`
	GroupName *string `db:"group_name" json:"group_name,omitempty"`
	CreatedAt int64   `db:"created_at" json:"created_at"`
}

// Input is the admin-editable part of a roster row.
type Input struct {
	Name      string
	Surname   string
	StudentID string
	Email     string
	GroupName string
}

func (in Input) normalized() Input {
	return Input{
		Name:      strings.TrimSpace(in.Name),
		Surname:   strings.TrimSpace(in.Surname),
		StudentID: strings.TrimSpace(in.StudentID),
		Email:     strings.ToLower(strings.TrimSpace(in.Email)),
		GroupName: strings.TrimSpace(in.GroupName),
	}
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
