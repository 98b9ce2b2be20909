/*
Package sign wraps the two signature schemes the protocol uses:
ED25519 for proposer signatures, and BLS (bn256) partial
signatures that can be aggregated into quorum certificates.
*/
package sign

import (
	"crypto/ed25519"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
)

// SigSize is the length of a marshaled BLS signature (a G1 point).
const SigSize = 64

var suite = bn256.NewSuite()

// GenED25519Keys creates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// SignEd25519 signs the data with an ED25519 private key.
func SignEd25519(privateKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privateKey, data)
}

// VerifySignEd25519 verifies an ED25519 signature over the data.
func VerifySignEd25519(pubKey ed25519.PublicKey, data []byte, sig []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, errors.Errorf("invalid ED25519 public key length: %d", len(pubKey))
	}
	return ed25519.Verify(pubKey, data, sig), nil
}

// GenBLSKeys creates a fresh BLS key pair on bn256.
func GenBLSKeys() (kyber.Scalar, kyber.Point) {
	return bls.NewKeyPair(suite, random.New())
}

// SignBLSPartial produces a replica's partial signature on msg.
func SignBLSPartial(privateKey kyber.Scalar, msg []byte) ([]byte, error) {
	return bls.Sign(suite, privateKey, msg)
}

// VerifyBLSPartial checks a single partial signature against one public key.
func VerifyBLSPartial(pubKey kyber.Point, msg []byte, sig []byte) error {
	return bls.Verify(suite, pubKey, msg, sig)
}

// AggregateSigs combines partial signatures into one aggregated signature.
func AggregateSigs(sigs ...[]byte) ([]byte, error) {
	return bls.AggregateSignatures(suite, sigs...)
}

// VerifyAggregate checks an aggregated signature against the public keys of
// the replicas whose partials were combined.
func VerifyAggregate(pubKeys []kyber.Point, msg []byte, aggSig []byte) error {
	if len(pubKeys) == 0 {
		return errors.New("no public keys to verify the aggregate against")
	}
	aggKey := bls.AggregatePublicKeys(suite, pubKeys...)
	return bls.Verify(suite, aggKey, msg, aggSig)
}

// EncodeBLSPublicKey marshals a BLS public key.
func EncodeBLSPublicKey(pubKey kyber.Point) ([]byte, error) {
	return pubKey.MarshalBinary()
}

// DecodeBLSPublicKey unmarshals a BLS public key.
func DecodeBLSPublicKey(data []byte) (kyber.Point, error) {
	pubKey := suite.G2().Point()
	if err := pubKey.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "fail to decode the BLS public key")
	}
	return pubKey, nil
}

// EncodeBLSPrivateKey marshals a BLS private key.
func EncodeBLSPrivateKey(privateKey kyber.Scalar) ([]byte, error) {
	return privateKey.MarshalBinary()
}

// DecodeBLSPrivateKey unmarshals a BLS private key.
func DecodeBLSPrivateKey(data []byte) (kyber.Scalar, error) {
	privateKey := suite.G2().Scalar()
	if err := privateKey.UnmarshalBinary(data); err != nil {
		return nil, errors.Wrap(err, "fail to decode the BLS private key")
	}
	return privateKey, nil
}
