package schema

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// check runs struct validation on v and folds the result into ErrInvalid.
func check(kind Kind, v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, kind, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalid, kind, strings.Join(msgs, "; "))
}

// Validate checks the account's required fields.
func (a *Account) Validate() error {
	return check(KindAccount, a)
}

// Validate checks the report's natural key, status and text limits.
func (r *Report) Validate() error {
	return check(KindReport, r)
}

// Validate checks the task's required fields and enums.
func (t *Task) Validate() error {
	if err := check(KindTask, t); err != nil {
		return err
	}
	if t.Status == TaskDone && t.CompletedAt == nil {
		return fmt.Errorf("%w: task: completed_at is required when status is done", ErrInvalid)
	}
	return nil
}

// Validate checks the attendance natural key and check-in/out ordering.
func (a *Attendance) Validate() error {
	if err := check(KindAttendance, a); err != nil {
		return err
	}
	if a.CheckOut != nil && a.CheckOut.Before(a.CheckIn) {
		return fmt.Errorf("%w: attendance: check_out %s is before check_in %s",
			ErrInvalid, a.CheckOut.Format("15:04"), a.CheckIn.Format("15:04"))
	}
	return nil
}
