// Package hap implements the cryptographic primitives behind HomeKit-style
// pairing and transport: SRP-6a key agreement on the 3072-bit group with
// SHA-512, HKDF key derivation, and counter-nonce ChaCha20-Poly1305 framing.
package hap

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/airtv-go/airtv/internal/models"
)

// SRPUsername is the fixed username for HAP pair-setup.
const SRPUsername = "Pair-Setup"

// group3072 is the 3072-bit MODP group (RFC 3526 group 15) with g = 5.
var group3072N, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74"+
		"020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F1437"+
		"4FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF05"+
		"98DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB"+
		"9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF695581718"+
		"3995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33"+
		"A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7"+
		"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864"+
		"D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E2"+
		"08E24FA074E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF", 16)

var group3072G = big.NewInt(5)

const groupBytes = 384 // 3072 bits

func pad(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) >= groupBytes {
		return b
	}
	out := make([]byte, groupBytes)
	copy(out[groupBytes-len(b):], b)
	return out
}

func hash(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// multiplierK is k = H(N || PAD(g)).
func multiplierK() *big.Int {
	return new(big.Int).SetBytes(hash(group3072N.Bytes(), pad(group3072G)))
}

// privateX is x = H(salt || H(username ":" password)).
func privateX(username, password string, salt []byte) *big.Int {
	inner := hash([]byte(username + ":" + password))
	return new(big.Int).SetBytes(hash(salt, inner))
}

// scramblingU is u = H(PAD(A) || PAD(B)).
func scramblingU(a, b *big.Int) *big.Int {
	return new(big.Int).SetBytes(hash(pad(a), pad(b)))
}

// clientProof computes M1 = H(H(N) xor H(g) || H(I) || salt || A || B || K).
func clientProof(username string, salt []byte, a, b *big.Int, key []byte) []byte {
	hn := hash(group3072N.Bytes())
	hg := hash(group3072G.Bytes())
	xor := make([]byte, len(hn))
	for i := range hn {
		xor[i] = hn[i] ^ hg[i]
	}
	return hash(xor, hash([]byte(username)), salt, a.Bytes(), b.Bytes(), key)
}

func randomInt(bytes int) (*big.Int, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(buf), nil
}

// ClientSession is the client side of one SRP-6a exchange.
type ClientSession struct {
	username string
	password string

	private *big.Int // a
	public  *big.Int // A

	key   []byte // K = H(S)
	proof []byte // M1
}

// NewClientSession starts a client session and generates the ephemeral
// keypair (SRP "step 1").
func NewClientSession(username, password string) (*ClientSession, error) {
	private, err := randomInt(32)
	if err != nil {
		return nil, fmt.Errorf("srp: generate private key: %w", err)
	}
	return &ClientSession{
		username: username,
		password: password,
		private:  private,
		public:   new(big.Int).Exp(group3072G, private, group3072N),
	}, nil
}

// PublicKey returns A.
func (c *ClientSession) PublicKey() []byte { return c.public.Bytes() }

// ProcessChallenge consumes the server's salt and public key B and computes
// the session key and client proof (SRP "step 2").
func (c *ClientSession) ProcessChallenge(salt, serverPublic []byte) error {
	b := new(big.Int).SetBytes(serverPublic)
	if new(big.Int).Mod(b, group3072N).Sign() == 0 {
		return fmt.Errorf("%w: server public key is zero mod N", models.ErrInvalidResponse)
	}

	u := scramblingU(c.public, b)
	x := privateX(c.username, c.password, salt)
	k := multiplierK()

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(group3072G, x, group3072N)
	base := new(big.Int).Sub(b, new(big.Int).Mul(k, gx))
	base.Mod(base, group3072N)
	exp := new(big.Int).Add(c.private, new(big.Int).Mul(u, x))
	s := new(big.Int).Exp(base, exp, group3072N)

	c.key = hash(s.Bytes())
	c.proof = clientProof(c.username, salt, c.public, b, c.key)
	return nil
}

// SessionKey returns K after ProcessChallenge.
func (c *ClientSession) SessionKey() []byte { return c.key }

// Proof returns the client proof M1 after ProcessChallenge.
func (c *ClientSession) Proof() []byte { return c.proof }

// VerifyServerProof checks the server's M2 = H(A || M1 || K).
func (c *ClientSession) VerifyServerProof(proof []byte) bool {
	if c.key == nil {
		return false
	}
	expected := hash(c.public.Bytes(), c.proof, c.key)
	return subtleEqual(expected, proof)
}

// ServerSession is the accessory side of one SRP-6a exchange; it backs the
// test fixture server and transient pairing verification.
type ServerSession struct {
	username string
	salt     []byte
	verifier *big.Int // v = g^x

	private *big.Int // b
	public  *big.Int // B

	clientPublic *big.Int
	key          []byte
	proof        []byte // M2
}

// NewServerSession creates a server session for the given identity.
func NewServerSession(username, password string) (*ServerSession, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("srp: generate salt: %w", err)
	}
	private, err := randomInt(32)
	if err != nil {
		return nil, fmt.Errorf("srp: generate private key: %w", err)
	}

	x := privateX(username, password, salt)
	verifier := new(big.Int).Exp(group3072G, x, group3072N)

	// B = k*v + g^b
	public := new(big.Int).Mul(multiplierK(), verifier)
	public.Add(public, new(big.Int).Exp(group3072G, private, group3072N))
	public.Mod(public, group3072N)

	return &ServerSession{
		username: username,
		salt:     salt,
		verifier: verifier,
		private:  private,
		public:   public,
	}, nil
}

// PublicKey returns B.
func (s *ServerSession) PublicKey() []byte { return s.public.Bytes() }

// Salt returns the session salt.
func (s *ServerSession) Salt() []byte { return s.salt }

// ProcessAndVerify consumes the client public key and proof; it is the sole
// correctness gate of the exchange. The session key is always scheduled
// before the proof comparison so failure does not take a shorter path.
func (s *ServerSession) ProcessAndVerify(clientPublic, clientProofM1 []byte) bool {
	a := new(big.Int).SetBytes(clientPublic)
	if new(big.Int).Mod(a, group3072N).Sign() == 0 {
		return false
	}
	s.clientPublic = a

	u := scramblingU(a, s.public)

	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(s.verifier, u, group3072N)
	base := new(big.Int).Mul(a, vu)
	base.Mod(base, group3072N)
	secret := new(big.Int).Exp(base, s.private, group3072N)

	s.key = hash(secret.Bytes())
	expected := clientProof(s.username, s.salt, a, s.public, s.key)
	s.proof = hash(a.Bytes(), expected, s.key)
	return subtleEqual(expected, clientProofM1)
}

// SessionKey returns K after ProcessAndVerify.
func (s *ServerSession) SessionKey() []byte { return s.key }

// Proof returns the server proof M2 after ProcessAndVerify.
func (s *ServerSession) Proof() []byte { return s.proof }

func subtleEqual(a, b []byte) bool {
	return len(a) > 0 && subtle.ConstantTimeCompare(a, b) == 1
}
