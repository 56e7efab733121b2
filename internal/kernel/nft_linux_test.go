//go:build linux

package kernel

import (
	"context"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/ruleset"
)

type fakeLister struct {
	tables []*nftables.Table
	chains []*nftables.Chain
	rules  map[string][]*nftables.Rule
}

func newFakeLister() *fakeLister {
	t := &nftables.Table{Name: "filter", Family: nftables.TableFamilyINet}
	return &fakeLister{
		tables: []*nftables.Table{t},
		chains: []*nftables.Chain{{Name: "input", Table: t}},
		rules:  map[string][]*nftables.Rule{"input": {{Handle: 4}}},
	}
}

func (f *fakeLister) ListTables() ([]*nftables.Table, error) { return f.tables, nil }
func (f *fakeLister) ListChains() ([]*nftables.Chain, error) { return f.chains, nil }
func (f *fakeLister) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	return f.rules[c.Name], nil
}

func (f *fakeLister) addRule(handle uint64) {
	f.rules["input"] = append(f.rules["input"], &nftables.Rule{Handle: handle})
}

const snapshot = "table inet filter {\n}\n"

func TestNFTApplySuccess(t *testing.T) {
	runner := new(MockCommandRunner)
	lister := newFakeLister()
	c := newNFTChannel(lister, runner, logging.Discard())
	r := ruleset.New("01-table", []byte("add rule inet filter input accept\n"))

	runner.On("RunInput", string(r.Content), "nft", "-c", "-f", "-").Return([]byte{}, nil).Once()
	runner.On("Output", "nft", "list", "ruleset").Return([]byte(snapshot), nil).Once()
	runner.On("RunInput", string(r.Content), "nft", "-f", "-").Return([]byte{}, nil).Once().
		Run(func(mock.Arguments) { lister.addRule(5) })

	require.NoError(t, c.Apply(context.Background(), r))
	runner.AssertExpectations(t)
}

func TestNFTApplyValidationFailure(t *testing.T) {
	runner := new(MockCommandRunner)
	c := newNFTChannel(newFakeLister(), runner, logging.Discard())
	r := ruleset.New("01-table", []byte("garbage"))

	runner.On("RunInput", "garbage", "nft", "-c", "-f", "-").
		Return([]byte("Error: syntax error"), assert.AnError).Once()

	err := c.Apply(context.Background(), r)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindApply))
	assert.Equal(t, "Error: syntax error", errors.GetAttributes(err)["output"])
	runner.AssertNotCalled(t, "RunInput", "garbage", "nft", "-f", "-")
}

func TestNFTApplyFailureWithoutChange(t *testing.T) {
	runner := new(MockCommandRunner)
	c := newNFTChannel(newFakeLister(), runner, logging.Discard())
	r := ruleset.New("01-table", []byte("x"))

	runner.On("RunInput", "x", "nft", "-c", "-f", "-").Return([]byte{}, nil).Once()
	runner.On("Output", "nft", "list", "ruleset").Return([]byte(snapshot), nil).Once()
	runner.On("RunInput", "x", "nft", "-f", "-").Return([]byte("Error: busy"), assert.AnError).Once()

	err := c.Apply(context.Background(), r)
	assert.True(t, errors.IsKind(err, errors.KindApply))
	runner.AssertNotCalled(t, "RunInput", "flush ruleset\n"+snapshot, "nft", "-f", "-")
	runner.AssertExpectations(t)
}

func TestNFTApplyFailureRollsBack(t *testing.T) {
	runner := new(MockCommandRunner)
	lister := newFakeLister()
	c := newNFTChannel(lister, runner, logging.Discard())
	r := ruleset.New("01-table", []byte("x"))

	runner.On("RunInput", "x", "nft", "-c", "-f", "-").Return([]byte{}, nil).Once()
	runner.On("Output", "nft", "list", "ruleset").Return([]byte(snapshot), nil).Once()
	runner.On("RunInput", "x", "nft", "-f", "-").Return([]byte("Error"), assert.AnError).Once().
		Run(func(mock.Arguments) { lister.addRule(9) })
	runner.On("RunInput", "flush ruleset\n"+snapshot, "nft", "-f", "-").Return([]byte{}, nil).Once()

	err := c.Apply(context.Background(), r)
	assert.True(t, errors.IsKind(err, errors.KindApply))
	runner.AssertExpectations(t)
}

func TestNFTFingerprint(t *testing.T) {
	lister := newFakeLister()
	c := newNFTChannel(lister, new(MockCommandRunner), logging.Discard())
	ctx := context.Background()

	fp1, err := c.Fingerprint(ctx)
	require.NoError(t, err)
	fp2, err := c.Fingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	lister.addRule(7)
	fp3, err := c.Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestNFTQuery(t *testing.T) {
	runner := new(MockCommandRunner)
	c := newNFTChannel(newFakeLister(), runner, logging.Discard())
	runner.On("Output", "nft", "list", "ruleset").Return([]byte(snapshot), nil)

	q, err := c.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ruleset.KernelName, q.Name)
	assert.Equal(t, snapshot, string(q.Content))

	require.NoError(t, c.Close())
	_, err = c.Query(context.Background())
	assert.Error(t, err)
}
