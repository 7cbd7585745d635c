package livepatch

import (
	"os"
	"testing"

	"github.com/fengyoulin/livepatch/warden"
)

func TestMain(m *testing.M) {
	warden.Init()
	os.Exit(m.Run())
}
