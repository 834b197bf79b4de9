// Command decryptiond is a demonstration harness: it wires an in-memory
// cluster of simulated nodes sharing one document key and drives a
// decryption session across it end to end, printing the result. It
// exists to make the session/consensus/job machinery runnable and
// inspectable by hand; a production deployment would replace
// cluster.Cluster with a networked transport behind the same interface.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chuycepeda/parity/acl"
	"github.com/chuycepeda/parity/cluster"
	"github.com/chuycepeda/parity/config"
	"github.com/chuycepeda/parity/cryptoutil"
	"github.com/chuycepeda/parity/decryption"
	"github.com/chuycepeda/parity/keyshare"
	"github.com/chuycepeda/parity/registry"
	"github.com/chuycepeda/parity/types"
)

func main() {
	cfg := config.Default()
	var shadow bool

	root := &cobra.Command{
		Use:   "decryptiond",
		Short: "Run a distributed threshold-decryption session demo",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runDemo(cfg, shadow)
		},
	}
	root.Flags().BoolVar(&shadow, "shadow", false, "request a shadow decryption instead of a plain one")
	cfg.NodeID = "demo" // the demo spins up the whole cluster in-process; node-id only needs to be non-empty
	cfg.BindFlags(root.Flags())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "decryptiond:", err)
		os.Exit(1)
	}
}

func runDemo(cfg config.Config, shadow bool) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	nodeIDs := make([]types.NodeID, cfg.ClusterSize)
	for i := range nodeIDs {
		nodeIDs[i] = types.NodeID(fmt.Sprintf("node-%d", i))
	}
	masterID := nodeIDs[0]

	documentID := types.SessionID(uuid.NewString())
	shares, documentSecret := generateKeyShares(nodeIDs, cfg.Threshold)

	checker := acl.NewStaticOracle()

	requesterPriv, requesterPub, err := cryptoutil.GenerateRequesterKey()
	if err != nil {
		return err
	}
	signature, err := cryptoutil.SignSessionID(requesterPriv, []byte(documentID))
	if err != nil {
		return err
	}
	_ = requesterPub

	requesterECIESPriv := cryptoutil.NewScalar()
	requesterECIESPub := cryptoutil.Group().Point().Mul(requesterECIESPriv, nil)

	accessKey := keyshare.NewAccessKey()
	bus := cluster.NewCluster()
	registries := make(map[types.NodeID]*registry.Registry, len(nodeIDs))
	sessions := make(map[types.NodeID]*decryption.Session, len(nodeIDs))

	for _, id := range nodeIDs {
		reg := registry.New(cfg.RegistryGracePeriod, log.With("node", id))
		reg.Reap(time.Second)
		registries[id] = reg
		transport := bus.Join(id, registry.NewNodeHandler(reg))

		meta := keyshare.SessionMeta{
			SessionID:    documentID,
			SelfNodeID:   id,
			MasterNodeID: masterID,
			Threshold:    cfg.Threshold,
		}

		var requester *keyshare.Requester
		if id == masterID {
			requester = &keyshare.Requester{Signature: signature, ECIESPublicKey: requesterECIESPub}
		}

		session, err := decryption.NewSession(meta, accessKey, shares[id], checker, transport, requester, log.With("node", id))
		if err != nil {
			return err
		}
		sessions[id] = session
		reg.Register(types.DecryptionSessionID{SessionID: documentID, AccessKey: accessKey.Hex()}, session)
	}
	defer func() {
		for _, reg := range registries {
			reg.Close()
		}
	}()

	master := sessions[masterID]
	if err := master.Initialize(shadow); err != nil {
		return err
	}

	result, err := master.Wait()
	if err != nil {
		return err
	}

	if result.IsShadow() {
		fmt.Printf("shadow decryption complete: %d encrypted shadows returned; requester combines them locally\n", len(result.DecryptShadows))
		return nil
	}

	want, err := cryptoutil.Group().Point().Mul(documentSecret, nil).MarshalBinary()
	if err != nil {
		return err
	}
	got, err := result.DecryptedSecret.MarshalBinary()
	if err != nil {
		return err
	}
	fmt.Printf("plain decryption complete: recovered document key matches expected = %v\n", string(want) == string(got))
	return nil
}
