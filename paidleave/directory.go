package paidleave

//go:generate mockgen -source=directory.go -destination=mocks/mock_directory.go -package=mocks

import (
	"context"

	"github.com/warp/leave-ledger/generic"
)

// EmployeeDirectory supplies employee master data. Implementations return
// generic.ErrEmployeeNotFound for unknown ids.
type EmployeeDirectory interface {
	HireDate(ctx context.Context, employeeID generic.EmployeeID) (generic.TimePoint, error)
	EmploymentStatus(ctx context.Context, employeeID generic.EmployeeID) (generic.EmploymentStatus, error)
}
