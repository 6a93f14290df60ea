// Package admin implements the operator command line: creating password
// accounts, resetting passwords and uploading avatars on a user's behalf.
// It talks to the services directly, bypassing the HTTP surface.
package admin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dmitrijs2005/schedkeeper/internal/netx"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/dmitrijs2005/schedkeeper/internal/server/services"
)

// MaxAvatarBytes caps the size of an uploaded avatar image.
const MaxAvatarBytes = 5 << 20

var (
	ErrUsage      = errors.New("usage")
	ErrNotAnImage = errors.New("file is not an image")
)

// Test seams.
var (
	readFile   = os.ReadFile
	uploadFile = netx.UploadToS3PresignedURL
)

type Users interface {
	Register(ctx context.Context, in services.RegisterInput) (*models.User, error)
	Lookup(ctx context.Context, login string) (*models.User, error)
	UpdatePassword(ctx context.Context, userID, newPassword string) error
}

type Avatars interface {
	UploadURL(ctx context.Context, userID string) (*models.AvatarUpload, error)
	Confirm(ctx context.Context, userID, key string) (*models.User, error)
}

type App struct {
	users   Users
	avatars Avatars
	reader  *bufio.Reader
	out     io.Writer
}

func NewApp(users Users, avatars Avatars, in io.Reader, out io.Writer) *App {
	return &App{users: users, avatars: avatars, reader: bufio.NewReader(in), out: out}
}

const usage = `Commands:
  register                        create a password account (interactive)
  passwd <username|email>         set a new password
  avatar <username|email> <file>  upload and set an avatar image`

// Run executes the command named by args[0].
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.out, usage)
		return ErrUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "register":
		return a.register(ctx)
	case "passwd":
		if len(rest) != 1 {
			return fmt.Errorf("%w: passwd <username|email>", ErrUsage)
		}
		return a.passwd(ctx, rest[0])
	case "avatar":
		if len(rest) != 2 {
			return fmt.Errorf("%w: avatar <username|email> <file>", ErrUsage)
		}
		return a.avatar(ctx, rest[0], rest[1])
	case "help":
		fmt.Fprintln(a.out, usage)
		return nil
	default:
		fmt.Fprintln(a.out, usage)
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func (a *App) register(ctx context.Context) error {
	var in services.RegisterInput
	var err error

	if in.Username, err = getSimpleText(a.reader, "Username", a.out); err != nil {
		return err
	}
	if in.Email, err = getSimpleText(a.reader, "Email", a.out); err != nil {
		return err
	}
	if in.DisplayName, err = getSimpleText(a.reader, "Display name (optional)", a.out); err != nil {
		return err
	}
	if in.Timezone, err = getSimpleText(a.reader, "Timezone (empty for UTC)", a.out); err != nil {
		return err
	}
	if in.Password, err = getNewPassword(a.out); err != nil {
		return err
	}

	user, err := a.users.Register(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created %s (%s)\n", user.Username, user.ID)
	return nil
}

func (a *App) passwd(ctx context.Context, login string) error {
	user, err := a.users.Lookup(ctx, login)
	if err != nil {
		return err
	}
	password, err := getNewPassword(a.out)
	if err != nil {
		return err
	}
	if err := a.users.UpdatePassword(ctx, user.ID, password); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Password updated for %s\n", user.Username)
	return nil
}

func (a *App) avatar(ctx context.Context, login, path string) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	if len(data) > MaxAvatarBytes {
		return fmt.Errorf("avatar is %d bytes, limit is %d", len(data), MaxAvatarBytes)
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return fmt.Errorf("%w: %s", ErrNotAnImage, contentType)
	}

	user, err := a.users.Lookup(ctx, login)
	if err != nil {
		return err
	}
	upload, err := a.avatars.UploadURL(ctx, user.ID)
	if err != nil {
		return err
	}
	if err := uploadFile(ctx, upload.UploadURL, contentType, data); err != nil {
		return err
	}
	user, err = a.avatars.Confirm(ctx, user.ID, upload.Key)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Avatar for %s: %s\n", user.Username, user.AvatarURL)
	return nil
}
