// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/juju/errors"
	"github.com/spf13/viper"
)

const (
	StorageTypePOSIX = "posix"
	StorageTypeS3    = "s3"
	StorageTypeGCS   = "gcs"
	StorageTypeAzure = "azure"
)

// Config is the configuration of a fine-tuning run.
type Config struct {
	Data      DataConfig      `mapstructure:"data"`
	Model     ModelConfig     `mapstructure:"model"`
	Train     TrainConfig     `mapstructure:"train"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Visualize VisualizeConfig `mapstructure:"visualize"`
}

type DataConfig struct {
	Dir        string        `mapstructure:"dir" validate:"required"`
	TrainSplit string        `mapstructure:"train_split" validate:"required"`
	ValSplit   string        `mapstructure:"val_split" validate:"required"`
	BatchSize  int           `mapstructure:"batch_size" validate:"gt=0"`
	Shuffle    bool          `mapstructure:"shuffle"`
	CropSize   int           `mapstructure:"crop_size" validate:"gt=0"`
	ResizeSize int           `mapstructure:"resize_size" validate:"gtefield=CropSize"`
	Mean       []float32     `mapstructure:"mean" validate:"len=3"`
	Std        []float32     `mapstructure:"std" validate:"len=3,dive,gt=0"`
	CacheSize  int           `mapstructure:"cache_size" validate:"gte=0"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
}

type ModelConfig struct {
	Arch           string `mapstructure:"arch" validate:"oneof=resnet18 resnet34"`
	Pretrained     string `mapstructure:"pretrained"`
	FeatureExtract bool   `mapstructure:"feature_extract"`
}

type TrainConfig struct {
	Epochs      int     `mapstructure:"epochs" validate:"gt=0"`
	LR          float32 `mapstructure:"lr" validate:"gt=0"`
	Momentum    float32 `mapstructure:"momentum" validate:"gte=0,lt=1"`
	WeightDecay float32 `mapstructure:"weight_decay" validate:"gte=0"`
	StepSize    int     `mapstructure:"step_size" validate:"gt=0"`
	Gamma       float32 `mapstructure:"gamma" validate:"gt=0,lte=1"`
	Patience    int     `mapstructure:"patience" validate:"gte=0"`
	Seed        int64   `mapstructure:"seed"`
	Jobs        int     `mapstructure:"jobs" validate:"gt=0"`
}

type StorageConfig struct {
	Type      string          `mapstructure:"type" validate:"oneof=posix s3 gcs azure"`
	Dir       string          `mapstructure:"dir" validate:"required_if=Type posix"`
	ModelName string          `mapstructure:"model_name" validate:"required"`
	S3        S3Config        `mapstructure:"s3"`
	GCS       GCSConfig       `mapstructure:"gcs"`
	Azure     AzureBlobConfig `mapstructure:"azure"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type AzureBlobConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	Endpoint         string `mapstructure:"endpoint"`
	Container        string `mapstructure:"container"`
	Prefix           string `mapstructure:"prefix"`
}

type VisualizeConfig struct {
	Enable    bool   `mapstructure:"enable"`
	Dir       string `mapstructure:"dir" validate:"required_if=Enable true"`
	NumImages int    `mapstructure:"num_images" validate:"gt=0"`
}

func GetDefaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			Dir:        "hymenoptera_data",
			TrainSplit: "train",
			ValSplit:   "val",
			BatchSize:  4,
			Shuffle:    true,
			CropSize:   224,
			ResizeSize: 256,
			Mean:       []float32{0.485, 0.456, 0.406},
			Std:        []float32{0.229, 0.224, 0.225},
			CacheSize:  1024,
			CacheTTL:   time.Hour,
		},
		Model: ModelConfig{
			Arch: "resnet18",
		},
		Train: TrainConfig{
			Epochs:   25,
			LR:       0.001,
			Momentum: 0.9,
			StepSize: 7,
			Gamma:    0.1,
			Jobs:     1,
		},
		Storage: StorageConfig{
			Type:      StorageTypePOSIX,
			Dir:       ".",
			ModelName: "resnet18.ckpt",
		},
		Visualize: VisualizeConfig{
			Enable:    true,
			Dir:       "figures",
			NumImages: 6,
		},
	}
}

func setDefault(v *viper.Viper) {
	defaultConfig := GetDefaultConfig()
	// [data]
	v.SetDefault("data.dir", defaultConfig.Data.Dir)
	v.SetDefault("data.train_split", defaultConfig.Data.TrainSplit)
	v.SetDefault("data.val_split", defaultConfig.Data.ValSplit)
	v.SetDefault("data.batch_size", defaultConfig.Data.BatchSize)
	v.SetDefault("data.shuffle", defaultConfig.Data.Shuffle)
	v.SetDefault("data.crop_size", defaultConfig.Data.CropSize)
	v.SetDefault("data.resize_size", defaultConfig.Data.ResizeSize)
	v.SetDefault("data.mean", defaultConfig.Data.Mean)
	v.SetDefault("data.std", defaultConfig.Data.Std)
	v.SetDefault("data.cache_size", defaultConfig.Data.CacheSize)
	v.SetDefault("data.cache_ttl", defaultConfig.Data.CacheTTL)
	// [model]
	v.SetDefault("model.arch", defaultConfig.Model.Arch)
	v.SetDefault("model.pretrained", defaultConfig.Model.Pretrained)
	v.SetDefault("model.feature_extract", defaultConfig.Model.FeatureExtract)
	// [train]
	v.SetDefault("train.epochs", defaultConfig.Train.Epochs)
	v.SetDefault("train.lr", defaultConfig.Train.LR)
	v.SetDefault("train.momentum", defaultConfig.Train.Momentum)
	v.SetDefault("train.weight_decay", defaultConfig.Train.WeightDecay)
	v.SetDefault("train.step_size", defaultConfig.Train.StepSize)
	v.SetDefault("train.gamma", defaultConfig.Train.Gamma)
	v.SetDefault("train.patience", defaultConfig.Train.Patience)
	v.SetDefault("train.seed", defaultConfig.Train.Seed)
	v.SetDefault("train.jobs", defaultConfig.Train.Jobs)
	// [storage]
	v.SetDefault("storage.type", defaultConfig.Storage.Type)
	v.SetDefault("storage.dir", defaultConfig.Storage.Dir)
	v.SetDefault("storage.model_name", defaultConfig.Storage.ModelName)
	for _, key := range []string{
		"s3.endpoint", "s3.access_key_id", "s3.secret_access_key", "s3.use_ssl", "s3.bucket", "s3.prefix",
		"gcs.bucket", "gcs.prefix", "gcs.credentials_file",
		"azure.connection_string", "azure.account_name", "azure.account_key", "azure.endpoint",
		"azure.container", "azure.prefix",
	} {
		if strings.HasSuffix(key, "use_ssl") {
			v.SetDefault("storage."+key, false)
		} else {
			v.SetDefault("storage."+key, "")
		}
	}
	// [visualize]
	v.SetDefault("visualize.enable", defaultConfig.Visualize.Enable)
	v.SetDefault("visualize.dir", defaultConfig.Visualize.Dir)
	v.SetDefault("visualize.num_images", defaultConfig.Visualize.NumImages)
}

// newViper creates a viper instance with defaults and FINETUNE_ environment
// overrides, e.g. FINETUNE_TRAIN_EPOCHS for train.epochs.
func newViper() *viper.Viper {
	v := viper.New()
	setDefault(v)
	v.SetEnvPrefix("finetune")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig loads configuration from a TOML file. An empty path yields the
// defaults with environment overrides applied.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Annotatef(err, "failed to read config %s", path)
		}
	}
	var conf Config
	if err := v.Unmarshal(&conf, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errors.Trace(err)
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &conf, nil
}

// Validate checks value ranges and cross-field constraints.
func (config *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		return errors.NotValidf("config: %v", err)
	}
	return nil
}
