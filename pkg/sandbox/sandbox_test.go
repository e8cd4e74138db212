package sandbox_test

import (
	"testing"

	"github.com/xqms/gpu-claim/pkg/sandbox"

	g "github.com/onsi/gomega"
)

func TestParseArgs_splitsHideListAndCommand(t *testing.T) {
	g.RegisterTestingT(t)

	spec, err := sandbox.ParseArgs([]string{"nvidia1", "nvidia2", "--", "python3", "train.py"})

	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(spec.HideList).To(g.Equal([]string{"nvidia1", "nvidia2"}))
	g.Expect(spec.Command).To(g.Equal([]string{"python3", "train.py"}))
}

func TestParseArgs_emptyHideList(t *testing.T) {
	g.RegisterTestingT(t)

	spec, err := sandbox.ParseArgs([]string{"--", "nvidia-smi"})

	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(spec.HideList).To(g.BeEmpty())
	g.Expect(spec.Command).To(g.Equal([]string{"nvidia-smi"}))
}

func TestParseArgs_missingSeparator(t *testing.T) {
	g.RegisterTestingT(t)

	_, err := sandbox.ParseArgs([]string{"nvidia1", "python3"})

	g.Expect(err).To(g.HaveOccurred())
}

func TestParseArgs_separatorWithNoCommand(t *testing.T) {
	g.RegisterTestingT(t)

	_, err := sandbox.ParseArgs([]string{"nvidia1", "--"})

	g.Expect(err).To(g.HaveOccurred())
}

func TestParseArgs_empty(t *testing.T) {
	g.RegisterTestingT(t)

	_, err := sandbox.ParseArgs(nil)

	g.Expect(err).To(g.HaveOccurred())
}
