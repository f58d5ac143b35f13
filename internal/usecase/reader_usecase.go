package usecase

import (
	"context"
	"strconv"
	"sync"
	"time"

	"SirenServer/internal/availability"
	"SirenServer/internal/entity"
	"SirenServer/internal/logger"
	"SirenServer/internal/repository/user"
)

// ReaderRepo is the durable side of the reader directory. It is nil when running in memory.
type ReaderRepo interface {
	List(ctx context.Context) ([]*user.User, error)
	CreateUser(ctx context.Context, u *user.User) (*user.User, error)
	UpdateUser(ctx context.Context, userID string, arg *user.UpdateUserRequest) error
	ReplaceWindows(ctx context.Context, userID string, windows []entity.AvailabilityWindow) error
}

// ReaderUsecase keeps the repository and the in-memory directory in step.
type ReaderUsecase struct {
	repo      ReaderRepo
	directory *availability.Directory

	mu     sync.Mutex
	nextID int
}

func NewReaderUsecase(repo ReaderRepo, directory *availability.Directory) *ReaderUsecase {
	return &ReaderUsecase{
		repo:      repo,
		directory: directory,
	}
}

// Load replaces the directory with what the repository holds.
func (u *ReaderUsecase) Load(ctx context.Context) (int, error) {
	if u.repo == nil {
		return len(u.directory.List()), nil
	}
	users, err := u.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	readers := make([]entity.Reader, 0, len(users))
	for _, usr := range users {
		readers = append(readers, usr.Reader())
	}
	u.directory.Replace(readers)
	logger.Log.WithField("readers", len(readers)).Info("[DIRECTORY] loaded")
	return len(readers), nil
}

func (u *ReaderUsecase) List() []entity.Reader {
	return u.directory.List()
}

func (u *ReaderUsecase) Get(id string) (entity.Reader, error) {
	r, ok := u.directory.Get(id)
	if !ok {
		return entity.Reader{}, user.ErrUserNotFound
	}
	return r, nil
}

func (u *ReaderUsecase) Create(ctx context.Context, usr *user.User) (entity.Reader, error) {
	for _, w := range usr.Windows {
		if err := availability.Validate(w); err != nil {
			return entity.Reader{}, err
		}
	}

	if u.repo != nil {
		created, err := u.repo.CreateUser(ctx, usr)
		if err != nil {
			return entity.Reader{}, err
		}
		usr = created
	} else {
		u.mu.Lock()
		u.nextID++
		for {
			if _, taken := u.directory.Get(strconv.Itoa(u.nextID)); !taken {
				break
			}
			u.nextID++
		}
		usr.Id = u.nextID
		u.mu.Unlock()
	}

	r := usr.Reader()
	if err := u.directory.Put(r); err != nil {
		return entity.Reader{}, err
	}
	return r, nil
}

func (u *ReaderUsecase) Update(ctx context.Context, id string, arg *user.UpdateUserRequest) (entity.Reader, error) {
	r, ok := u.directory.Get(id)
	if !ok {
		return entity.Reader{}, user.ErrUserNotFound
	}
	if u.repo != nil {
		if err := u.repo.UpdateUser(ctx, id, arg); err != nil {
			return entity.Reader{}, err
		}
	}

	if arg.Login != "" {
		r.Login = arg.Login
	}
	if arg.Role != "" {
		r.Role = arg.Role
	}
	if arg.Priority != nil {
		r.Priority = *arg.Priority
	}
	if err := u.directory.Put(r); err != nil {
		return entity.Reader{}, err
	}
	return r, nil
}

func (u *ReaderUsecase) SetWindows(ctx context.Context, id string, windows []entity.AvailabilityWindow) (entity.Reader, error) {
	if _, ok := u.directory.Get(id); !ok {
		return entity.Reader{}, user.ErrUserNotFound
	}
	windows = append([]entity.AvailabilityWindow(nil), windows...)
	for i := range windows {
		windows[i].ReaderId = id
		if err := availability.Validate(windows[i]); err != nil {
			return entity.Reader{}, err
		}
	}
	if u.repo != nil {
		if err := u.repo.ReplaceWindows(ctx, id, windows); err != nil {
			return entity.Reader{}, err
		}
	}
	if err := u.directory.SetWindows(id, windows); err != nil {
		return entity.Reader{}, err
	}
	return u.Get(id)
}

// Candidates previews the ladder order a request at the given instant would get.
func (u *ReaderUsecase) Candidates(ctx context.Context, at time.Time) ([]entity.Reader, error) {
	ids, err := u.directory.CandidatesFor(ctx, at, availability.SeedFor(at.Format(time.RFC3339Nano)))
	if err != nil {
		return nil, err
	}
	out := make([]entity.Reader, 0, len(ids))
	for _, id := range ids {
		if r, ok := u.directory.Get(id); ok {
			out = append(out, r)
		}
	}
	return out, nil
}
