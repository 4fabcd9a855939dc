package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/almudeerhq/almudeer/internal/channels/telegramuser"
	"github.com/almudeerhq/almudeer/internal/config"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/vault"
)

func telegramLoginCmd() *cobra.Command {
	var licenseID, phone string
	c := &cobra.Command{
		Use:   "telegram-login",
		Short: "Authenticate a Telegram user account for one license",
		Long: "Runs the interactive MTProto login (confirmation code, optional 2FA\n" +
			"password) and stores the minted session on the license's telegram\n" +
			"credential.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTelegramLogin(cmd.Context(), licenseID, phone)
		},
	}
	c.Flags().StringVar(&licenseID, "license", "", "license id owning the session")
	c.Flags().StringVar(&phone, "phone", "", "phone number in E.164 form")
	c.MarkFlagRequired("license")
	c.MarkFlagRequired("phone")
	return c
}

func runTelegramLogin(ctx context.Context, licenseID, phone string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		return errors.New("TELEGRAM_API_ID and TELEGRAM_API_HASH must be set")
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Security.EncryptionKey != "" {
		cipher, err := vault.New(cfg.Security.EncryptionKey)
		if err != nil {
			return err
		}
		db.WithCipher(cipher)
	}

	lic, err := db.LicenseByID(ctx, licenseID)
	if err != nil {
		return err
	}
	if lic == nil {
		return fmt.Errorf("license %s not found", licenseID)
	}

	cred, err := db.CredentialFor(ctx, licenseID, store.ChannelTelegramUser)
	if err != nil {
		return err
	}
	if cred == nil {
		cred = &store.Credential{
			LicenseID: licenseID,
			Channel:   store.ChannelTelegramUser,
			Payload:   map[string]string{"phone": phone},
			Active:    true,
		}
		if err := db.UpsertCredential(ctx, cred); err != nil {
			return err
		}
	}

	flow := auth.NewFlow(terminalAuthenticator{phone: phone}, auth.SendCodeOptions{})
	self, err := telegramuser.Login(ctx, cfg.Telegram.APIID, cfg.Telegram.APIHash, db, cred, flow)
	if err != nil {
		return err
	}

	fmt.Printf("logged in as %s %s (@%s), session stored for license %s\n",
		self.FirstName, self.LastName, self.Username, licenseID)
	return nil
}

// terminalAuthenticator collects the confirmation code and the optional
// 2FA password from the terminal.
type terminalAuthenticator struct {
	phone string
}

func (t terminalAuthenticator) Phone(context.Context) (string, error) { return t.phone, nil }

func (t terminalAuthenticator) Code(context.Context, *tg.AuthSentCode) (string, error) {
	return readLine("Enter the code from Telegram: ")
}

func (t terminalAuthenticator) Password(context.Context) (string, error) {
	fmt.Print("Enter 2FA password: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (t terminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	fmt.Printf("Telegram Terms of Service:\n%s\n", tos.Text)
	resp, err := readLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if !strings.EqualFold(resp, "y") {
		return errors.New("terms of service not accepted")
	}
	return nil
}

func (t terminalAuthenticator) SignUp(context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("phone number is not registered on Telegram")
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
