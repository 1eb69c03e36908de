package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/http/webroot"
	"github.com/go-acme/lego/v4/registration"

	"github.com/dashkit/certproxy/internal/certstore"
)

// acmeIssuer obtains certificates from an ACME CA using the HTTP-01
// challenge. Tokens are published through the store webroot, where the
// proxy's plaintext listener serves them to the CA; the provider removes
// them again whether validation succeeds or fails.
type acmeIssuer struct {
	cfg   Config
	store *certstore.Store
}

func (i *acmeIssuer) Obtain(ctx context.Context, domain string) ([]byte, []byte, error) {
	user, err := loadAccount(i.store, i.cfg.Email)
	if err != nil {
		return nil, nil, fmt.Errorf("load acme account: %w", err)
	}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = i.cfg.DirectoryURL
	legoCfg.Certificate.KeyType = certcrypto.RSA2048
	if deadline, ok := ctx.Deadline(); ok {
		// Bound lego's internal validation polling by the cycle budget.
		legoCfg.Certificate.Timeout = time.Until(deadline)
	}

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create acme client: %w", err)
	}

	provider, err := webroot.NewHTTPProvider(i.store.WebrootDir())
	if err != nil {
		return nil, nil, fmt.Errorf("create webroot provider: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(provider); err != nil {
		return nil, nil, fmt.Errorf("configure http-01 provider: %w", err)
	}

	if user.registration == nil {
		reg, err := client.Registration.ResolveAccountByKey()
		if err != nil {
			reg, err = client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
			if err != nil {
				return nil, nil, fmt.Errorf("register acme account: %w", err)
			}
		}
		user.registration = reg
		// Best effort: a lost registration is re-resolved next cycle.
		_ = saveRegistration(i.store, reg)
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{domain},
		Bundle:  true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("obtain certificate: %w", err)
	}

	if len(res.Certificate) == 0 || len(res.PrivateKey) == 0 {
		return nil, nil, errors.New("empty certificate material received from CA")
	}
	return res.Certificate, res.PrivateKey, nil
}
