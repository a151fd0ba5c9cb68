package paidleave_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/warp/leave-ledger/generic"
	"github.com/warp/leave-ledger/generic/store"
	"github.com/warp/leave-ledger/paidleave"
	"github.com/warp/leave-ledger/paidleave/mocks"
)

// =============================================================================
// Directory-backed Grant Test Suite
// =============================================================================
// IssueGrant and SyncGrants read hire date and employment status from the
// employee directory; these tests pin how the ledger reacts to its answers.

type DirectoryGrantSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	directory *mocks.MockEmployeeDirectory
	mem       *store.TxMemory
	ledger    *paidleave.Ledger
}

func TestDirectoryGrantSuite(t *testing.T) {
	suite.Run(t, new(DirectoryGrantSuite))
}

func (s *DirectoryGrantSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.directory = mocks.NewMockEmployeeDirectory(s.ctrl)
	s.mem = store.NewTxMemory()
	s.ledger = paidleave.NewLedger(s.mem, nil,
		paidleave.WithLogger(quietLogger),
		paidleave.WithDirectory(s.directory),
	)
}

func (s *DirectoryGrantSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *DirectoryGrantSuite) TestIssueGrant() {
	ctx := context.Background()

	s.Run("active employee receives the grant in force", func() {
		s.directory.EXPECT().EmploymentStatus(gomock.Any(), generic.EmployeeID("emp-1")).Return(generic.StatusActive, nil)
		s.directory.EXPECT().HireDate(gomock.Any(), generic.EmployeeID("emp-1")).Return(d(2023, 1, 1), nil)

		out, err := s.ledger.IssueGrant(ctx, "emp-1", d(2023, 7, 2))
		s.Require().NoError(err)
		s.True(out.Created)
		s.True(out.Tranche.DaysGranted.Equal(days("10")))
		s.True(out.Tranche.ExpiresOn.Equal(d(2025, 7, 1)))
	})

	s.Run("inactive employee is rejected without reading the hire date", func() {
		s.directory.EXPECT().EmploymentStatus(gomock.Any(), generic.EmployeeID("emp-2")).Return(generic.StatusInactive, nil)

		_, err := s.ledger.IssueGrant(ctx, "emp-2", d(2023, 7, 2))
		s.ErrorIs(err, generic.ErrEmployeeInactive)
	})

	s.Run("unknown employee propagates not found", func() {
		s.directory.EXPECT().EmploymentStatus(gomock.Any(), generic.EmployeeID("ghost")).Return(generic.EmploymentStatus(""), generic.ErrEmployeeNotFound)

		_, err := s.ledger.IssueGrant(ctx, "ghost", d(2023, 7, 2))
		s.ErrorIs(err, generic.ErrEmployeeNotFound)
		s.True(generic.IsNotFound(err))
	})

	s.Run("directory failure propagates", func() {
		boom := errors.New("directory offline")
		s.directory.EXPECT().EmploymentStatus(gomock.Any(), generic.EmployeeID("emp-3")).Return(generic.StatusActive, nil)
		s.directory.EXPECT().HireDate(gomock.Any(), generic.EmployeeID("emp-3")).Return(generic.TimePoint{}, boom)

		_, err := s.ledger.IssueGrant(ctx, "emp-3", d(2023, 7, 2))
		s.ErrorIs(err, boom)
	})
}

func (s *DirectoryGrantSuite) TestIssueGrant_WithoutDirectory() {
	ledger := paidleave.NewLedger(store.NewTxMemory(), nil, paidleave.WithLogger(quietLogger))
	_, err := ledger.IssueGrant(context.Background(), "emp-1", d(2023, 7, 2))
	s.ErrorIs(err, paidleave.ErrNoDirectory)
}

func (s *DirectoryGrantSuite) TestSyncGrants() {
	ctx := context.Background()

	s.Run("issues every live anniversary once", func() {
		// Hired 2020-04-01; by 2023-04-01 the anniversaries are
		// 2020-10-01 (lapsed 2022-10-01), 2021-10-01 and 2022-10-01.
		s.directory.EXPECT().EmploymentStatus(gomock.Any(), generic.EmployeeID("emp-1")).Return(generic.StatusActive, nil).Times(2)
		s.directory.EXPECT().HireDate(gomock.Any(), generic.EmployeeID("emp-1")).Return(d(2020, 4, 1), nil).Times(2)

		outcomes, err := s.ledger.SyncGrants(ctx, "emp-1", d(2023, 4, 1))
		s.Require().NoError(err)
		s.Require().Len(outcomes, 2)
		s.True(outcomes[0].Created)
		s.True(outcomes[0].Tranche.GrantedOn.Equal(d(2021, 10, 1)))
		s.True(outcomes[1].Tranche.DaysGranted.Equal(days("12")))

		again, err := s.ledger.SyncGrants(ctx, "emp-1", d(2023, 4, 1))
		s.Require().NoError(err)
		for _, o := range again {
			s.False(o.Created)
		}

		tranches, err := s.mem.LoadTranches(ctx, "emp-1")
		s.Require().NoError(err)
		s.Len(tranches, 2)
	})
}
