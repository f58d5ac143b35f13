package user

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"SirenServer/internal/entity"
)

var ErrNoFieldsToUpdate = errors.New("no fields to update")

var ErrUserNotFound = errors.New("user not found")

const queryUser string = "SELECT u.id, u.login, u.role, u.priority FROM users u"

type UserRepositoriy struct {
	Db *sql.DB
}

type User struct {
	Id           int                         `json:"id"`
	Login        string                      `json:"login" validate:"required,min=2,max=64"`
	Role         string                      `json:"role" validate:"required,oneof=admin reader"`
	Priority     int                         `json:"priority" validate:"min=0,max=100"`
	PasswordHash string                      `json:"-"`
	Windows      []entity.AvailabilityWindow `json:"windows" validate:"dive"`
}

type UpdateUserRequest struct {
	Login    string `json:"login" validate:"omitempty,min=2,max=64"`
	Role     string `json:"role" validate:"omitempty,oneof=admin reader"`
	Priority *int   `json:"priority" validate:"omitempty,min=0,max=100"`
}

func NewUser() *User {
	return &User{}
}

func NewUserUpdateReq() *UpdateUserRequest {
	return &UpdateUserRequest{}
}

// Reader converts the row into the directory's view of a reader.
func (u *User) Reader() entity.Reader {
	id := strconv.Itoa(u.Id)
	ws := make([]entity.AvailabilityWindow, len(u.Windows))
	for i, w := range u.Windows {
		w.ReaderId = id
		ws[i] = w
	}
	return entity.Reader{Id: id, Login: u.Login, Role: u.Role, Priority: u.Priority, Windows: ws}
}

func NewUserRepo(db *sql.DB) *UserRepositoriy {
	return &UserRepositoriy{
		Db: db,
	}
}

func (u *UserRepositoriy) FindByLogin(ctx context.Context, login string) (*User, error) {
	user := NewUser()
	row := u.Db.QueryRowContext(ctx, queryUser+" WHERE u.login = $1", login)
	err := row.Scan(&user.Id, &user.Login, &user.Role, &user.Priority)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (u *UserRepositoriy) FindByID(ctx context.Context, id string) (*User, error) {
	user := NewUser()
	row := u.Db.QueryRowContext(ctx, queryUser+" WHERE u.id = $1", id)
	err := row.Scan(&user.Id, &user.Login, &user.Role, &user.Priority)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	windows, err := u.windows(ctx, user.Id)
	if err != nil {
		return nil, err
	}
	user.Windows = windows[user.Id]
	return user, nil
}

// List returns every user with their availability windows.
func (u *UserRepositoriy) List(ctx context.Context) ([]*User, error) {
	users := make([]*User, 0)

	rows, err := u.Db.QueryContext(ctx, queryUser+" ORDER BY u.id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		user := NewUser()
		if err := rows.Scan(&user.Id, &user.Login, &user.Role, &user.Priority); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	windows, err := u.windows(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, user := range users {
		user.Windows = windows[user.Id]
	}
	return users, nil
}

// windows loads windows for one user, or for everyone when userID is 0.
func (u *UserRepositoriy) windows(ctx context.Context, userID int) (map[int][]entity.AvailabilityWindow, error) {
	q := `SELECT user_id, day_of_week, start_local, end_local, timezone, emergency_opt_in FROM availability_windows`
	args := []any{}
	if userID != 0 {
		q += " WHERE user_id = $1"
		args = append(args, userID)
	}
	q += " ORDER BY user_id, day_of_week, start_local"

	rows, err := u.Db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int][]entity.AvailabilityWindow)
	for rows.Next() {
		var (
			owner int
			day   int
			w     entity.AvailabilityWindow
		)
		if err := rows.Scan(&owner, &day, &w.StartLocal, &w.EndLocal, &w.Timezone, &w.EmergencyOptIn); err != nil {
			return nil, err
		}
		w.ReaderId = strconv.Itoa(owner)
		w.DayOfWeek = time.Weekday(day)
		out[owner] = append(out[owner], w)
	}
	return out, rows.Err()
}

func (u *UserRepositoriy) CreateUser(ctx context.Context, user *User) (*User, error) {
	tx, err := u.Db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	hash, err := u.GenerateRandomHash(16)
	if err != nil {
		return nil, err
	}

	var userID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO users(login, role, priority, password_hash) VALUES($1,$2,$3,$4) RETURNING id`,
		user.Login, user.Role, user.Priority, hash,
	).Scan(&userID)
	if err != nil {
		return nil, err
	}

	if err := insertWindows(ctx, tx, userID, user.Windows); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	user.Id = int(userID)
	return user, nil
}

func (u *UserRepositoriy) UpdateUser(ctx context.Context, userID string, arg *UpdateUserRequest) error {
	sets := map[string]any{}
	if arg.Login != "" {
		sets["login"] = arg.Login
	}
	if arg.Role != "" {
		sets["role"] = arg.Role
	}
	if arg.Priority != nil {
		sets["priority"] = *arg.Priority
	}

	q, args, err := buildUpdate("users", sets, fmt.Sprintf("id = $%d", len(sets)+1), userID)
	if err != nil {
		return err
	}
	res, err := u.Db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ReplaceWindows swaps the user's whole availability schedule in one transaction.
func (u *UserRepositoriy) ReplaceWindows(ctx context.Context, userID string, windows []entity.AvailabilityWindow) error {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return ErrUserNotFound
	}

	tx, err := u.Db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM availability_windows WHERE user_id = $1`, id); err != nil {
		return err
	}
	if err := insertWindows(ctx, tx, id, windows); err != nil {
		return err
	}
	return tx.Commit()
}

func insertWindows(ctx context.Context, tx *sql.Tx, userID int64, windows []entity.AvailabilityWindow) error {
	for _, w := range windows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO availability_windows(user_id, day_of_week, start_local, end_local, timezone, emergency_opt_in)
			 VALUES($1,$2,$3,$4,$5,$6)`,
			userID, int(w.DayOfWeek), w.StartLocal, w.EndLocal, w.Timezone, w.EmergencyOptIn,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *UserRepositoriy) GenerateRandomHash(n int) (string, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func buildUpdate(table string, sets map[string]any, where string, whereArgs ...any) (string, []any, error) {
	if len(sets) == 0 {
		return "", nil, ErrNoFieldsToUpdate
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(table)
	sb.WriteString(" SET ")

	args := make([]any, 0, len(sets)+len(whereArgs))
	i := 1

	first := true
	for col, val := range sets {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(col)
		sb.WriteString(" = ")
		sb.WriteString(fmt.Sprintf("$%d", i))
		args = append(args, val)
		i++
	}

	sb.WriteString(" WHERE ")
	sb.WriteString(where)

	args = append(args, whereArgs...)
	return sb.String(), args, nil
}
