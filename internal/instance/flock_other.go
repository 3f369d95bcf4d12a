//go:build !unix

package instance

import (
	"errors"
	"os"
)

func tryLockFile(*os.File) error {
	return errors.New("file locking not supported on this platform")
}
