package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/GoCodeAlone/volumeattach/config"
	"github.com/GoCodeAlone/volumeattach/platform/providers/aws/drivers"
)

func mountDocument(cfg *config.Config) (string, error) {
	return drivers.RenderMountDocument(drivers.MountDocumentSpec{
		Device:            cfg.Attach.Device,
		MountPoint:        cfg.Automation.MountPoint,
		Filesystem:        cfg.Automation.Filesystem,
		AttachWaitSeconds: cfg.Automation.AttachWaitSeconds,
	})
}

func runRenderDocument(args []string) error {
	fs := flag.NewFlagSet("render-document", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config YAML (or VOLUMEATTACH_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	doc, err := mountDocument(cfg)
	if err != nil {
		return err
	}
	fmt.Println(doc)
	return nil
}

func runRegisterDocument(args []string) error {
	fs := flag.NewFlagSet("register-document", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config YAML (or VOLUMEATTACH_CONFIG)")
	dryRun := fs.Bool("dry-run", false, "Render the document without calling SSM")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	doc, err := mountDocument(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, *dryRun, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	v, err := a.documents.EnsureDocument(ctx, cfg.Automation.DocumentName, doc)
	if err != nil {
		return fmt.Errorf("register document %s: %w", cfg.Automation.DocumentName, err)
	}
	a.logger.Info("mount document registered", "name", cfg.Automation.DocumentName, "defaultVersion", v)
	fmt.Printf("%s version %s\n", cfg.Automation.DocumentName, v)
	return nil
}
