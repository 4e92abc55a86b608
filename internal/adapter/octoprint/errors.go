package octoprint

import "github.com/kiln-systems/kiln/internal/kerrors"

func errKind(err error) error {
	return kerrors.Transport(err)
}

func kindFileMissing(err error) error {
	return kerrors.New(kerrors.KindFileMissing, "local file not found", err, nil)
}

func authError() error {
	return kerrors.Simple(kerrors.KindAuth, "printer rejected credentials")
}

func notIdleError() error {
	return kerrors.Simple(kerrors.KindNotIdle, "printer is not idle")
}

func adapterUnsupported(op string) error {
	return kerrors.Unsupported(op)
}
